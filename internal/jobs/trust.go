package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/yairfalse/vigil/internal/awsapi"
	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/internal/scan"
	"github.com/yairfalse/vigil/pkg/violation"
)

var principalARN = regexp.MustCompile(`^arn:aws:iam::(\d{12}):.+$`)

// TrustJob reports roles whose trust policy lets foreign accounts assume them.
type TrustJob struct {
	Deps
	// Region hosts the IAM client and labels the violations; IAM itself is global.
	Region            string
	ManagementAccount string
}

// NewTrustJob creates the cross-account trust job.
func NewTrustJob(d Deps, region, managementAccount string) *TrustJob {
	return &TrustJob{Deps: d, Region: region, ManagementAccount: managementAccount}
}

// Name implements scheduler.Job.
func (j *TrustJob) Name() string { return config.JobTrust }

// Run checks every role of every account.
func (j *TrustJob) Run(ctx context.Context) (scan.Stats, error) {
	h := &scan.Harness[awsapi.IAMAPI, iamtypes.Role]{
		Job:      j.Name(),
		Accounts: j.Accounts,
		Regions:  []string{j.Region},
		Connect: func(ctx context.Context, accountID, region string) (awsapi.IAMAPI, error) {
			return awsapi.IAM(ctx, j.Clients, accountID, region)
		},
		List: listRoles,
		Handle: func(ctx context.Context, t scan.Target[awsapi.IAMAPI], role iamtypes.Role) error {
			return j.process(ctx, t.AccountID, t.Region, role)
		},
		ItemID:     func(role iamtypes.Role) string { return aws.ToString(role.RoleName) },
		ItemKey:    "role_name",
		Exceptions: j.Exceptions,
	}
	return h.Run(ctx)
}

func listRoles(ctx context.Context, client awsapi.IAMAPI, cursor string) (scan.Page[iamtypes.Role], error) {
	in := &iam.ListRolesInput{}
	if cursor != "" {
		in.Marker = aws.String(cursor)
	}
	out, err := client.ListRoles(ctx, in)
	if err != nil {
		return scan.Page[iamtypes.Role]{}, fmt.Errorf("list roles: %w", err)
	}
	page := scan.Page[iamtypes.Role]{Items: out.Roles}
	if out.IsTruncated {
		page.Next = aws.ToString(out.Marker)
	}
	return page, nil
}

func (j *TrustJob) process(ctx context.Context, account, region string, role iamtypes.Role) error {
	roleID := aws.ToString(role.RoleId)
	if j.Gate.Exists(ctx, account, region, j.Name(), roleID, violation.CrossAccountRole) {
		return nil
	}

	principals, err := TrustedPrincipals(aws.ToString(role.AssumeRolePolicyDocument))
	if err != nil {
		return fmt.Errorf("role %s: %w", aws.ToString(role.RoleName), err)
	}

	grantees := j.foreign(account, principals)
	if len(grantees) == 0 {
		return nil
	}

	j.record(ctx, j.Name(), account, region, roleID, violation.CrossAccountRole, map[string]any{
		"role_arn":  aws.ToString(role.Arn),
		"role_name": aws.ToString(role.RoleName),
		"grantees":  grantees,
	})
	return nil
}

// foreign returns the principal ARNs owned by neither account nor the management account.
func (j *TrustJob) foreign(account string, principals []string) []string {
	var out []string
	for _, p := range principals {
		m := principalARN.FindStringSubmatch(p)
		if m == nil || m[1] == account || m[1] == j.ManagementAccount {
			continue
		}
		out = append(out, p)
	}
	return out
}

type trustPolicy struct {
	Statement []struct {
		Principal json.RawMessage `json:"Principal"`
	} `json:"Statement"`
}

// TrustedPrincipals extracts Statement[*].Principal.AWS from a URL-encoded trust policy.
// The AWS principal may be a single string or a list.
func TrustedPrincipals(document string) ([]string, error) {
	decoded, err := url.QueryUnescape(document)
	if err != nil {
		return nil, fmt.Errorf("decode trust policy: %w", err)
	}

	var policy trustPolicy
	if err := json.Unmarshal([]byte(decoded), &policy); err != nil {
		return nil, fmt.Errorf("parse trust policy: %w", err)
	}

	var out []string
	for _, st := range policy.Statement {
		var principal struct {
			AWS json.RawMessage `json:"AWS"`
		}
		// "Principal": "*" carries no AWS entry.
		if err := json.Unmarshal(st.Principal, &principal); err != nil || len(principal.AWS) == 0 {
			continue
		}
		var single string
		if err := json.Unmarshal(principal.AWS, &single); err == nil {
			out = append(out, single)
			continue
		}
		var list []string
		if err := json.Unmarshal(principal.AWS, &list); err != nil {
			return nil, fmt.Errorf("parse trust policy principal: %w", err)
		}
		out = append(out, list...)
	}
	return out, nil
}
