package jobs

import (
	"context"
	"strconv"

	"github.com/yairfalse/vigil/internal/awsapi"
	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/internal/credreport"
	"github.com/yairfalse/vigil/internal/scan"
	"github.com/yairfalse/vigil/pkg/violation"
)

// PasswordJob reports console passwords and root user credentials from the IAM credential report.
type PasswordJob struct {
	Deps
	// Region hosts the IAM client and labels the violations; IAM itself is global.
	Region  string
	Fetcher credreport.Fetcher
}

// NewPasswordJob creates the credential report job.
func NewPasswordJob(d Deps, region string) *PasswordJob {
	return &PasswordJob{Deps: d, Region: region, Fetcher: credreport.DefaultFetcher}
}

// Name implements scheduler.Job.
func (j *PasswordJob) Name() string { return config.JobPassword }

// Run checks every account once.
func (j *PasswordJob) Run(ctx context.Context) (scan.Stats, error) {
	h := &scan.Harness[awsapi.IAMAPI, credreport.Entry]{
		Job:      j.Name(),
		Accounts: j.Accounts,
		Regions:  []string{j.Region},
		Connect: func(ctx context.Context, accountID, region string) (awsapi.IAMAPI, error) {
			return awsapi.IAM(ctx, j.Clients, accountID, region)
		},
		List: func(ctx context.Context, client awsapi.IAMAPI, _ string) (scan.Page[credreport.Entry], error) {
			entries, err := j.Fetcher.Fetch(ctx, client)
			return scan.Page[credreport.Entry]{Items: entries}, err
		},
		Handle: func(ctx context.Context, t scan.Target[awsapi.IAMAPI], e credreport.Entry) error {
			j.process(ctx, t.AccountID, t.Region, e)
			return nil
		},
		ItemID:     func(e credreport.Entry) string { return e.User },
		ItemKey:    "user",
		Exceptions: j.Exceptions,
	}
	return h.Run(ctx)
}

func (j *PasswordJob) process(ctx context.Context, account, region string, e credreport.Entry) {
	if e.IsRoot() {
		if (e.PasswordEnabled && !e.MFAActive) || e.HasActiveKey() {
			j.emit(ctx, account, region, e, violation.RootUserUsage)
		}
		return
	}
	if e.PasswordEnabled {
		j.emit(ctx, account, region, e, violation.PasswordUsed)
	}
}

func (j *PasswordJob) emit(ctx context.Context, account, region string, e credreport.Entry, typ violation.Type) {
	if j.Gate.Exists(ctx, account, region, j.Name(), e.ARN, typ) {
		return
	}
	j.record(ctx, j.Name(), account, region, e.ARN, typ, map[string]any{
		"account_id":             account,
		"user":                   e.User,
		"arn":                    e.ARN,
		"is_password_enabled":    strconv.FormatBool(e.PasswordEnabled),
		"is_mfa_active":          strconv.FormatBool(e.MFAActive),
		"is_access_key_1_active": strconv.FormatBool(e.AccessKey1Active),
		"is_access_key_2_active": strconv.FormatBool(e.AccessKey2Active),
	})
}
