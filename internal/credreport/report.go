// Package credreport generates, downloads and parses the IAM credential report.
package credreport

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/smithy-go"
)

// ErrNotReady is returned when the report did not become available in time.
var ErrNotReady = errors.New("credential report generation timed out")

// RootUser is the user column value of the account root row.
const RootUser = "<root_account>"

// IAMAPI is the part of the IAM client the report needs.
type IAMAPI interface {
	GenerateCredentialReport(ctx context.Context, params *iam.GenerateCredentialReportInput, optFns ...func(*iam.Options)) (*iam.GenerateCredentialReportOutput, error)
	GetCredentialReport(ctx context.Context, params *iam.GetCredentialReportInput, optFns ...func(*iam.Options)) (*iam.GetCredentialReportOutput, error)
}

// Entry is one row of the report.
type Entry struct {
	User             string
	ARN              string
	PasswordEnabled  bool
	MFAActive        bool
	AccessKey1Active bool
	AccessKey2Active bool
}

// IsRoot reports whether the entry describes the account root user.
func (e Entry) IsRoot() bool {
	return e.User == RootUser || strings.HasSuffix(e.ARN, ":root")
}

// HasActiveKey reports whether any access key is active.
func (e Entry) HasActiveKey() bool {
	return e.AccessKey1Active || e.AccessKey2Active
}

// Fetcher downloads credential reports.
type Fetcher struct {
	Attempts int
	Wait     time.Duration
}

// DefaultFetcher polls up to ten times, two seconds apart.
var DefaultFetcher = Fetcher{Attempts: 10, Wait: 2 * time.Second}

// Fetch generates and downloads the report using DefaultFetcher.
func Fetch(ctx context.Context, client IAMAPI) ([]Entry, error) {
	return DefaultFetcher.Fetch(ctx, client)
}

// Fetch generates the report and polls until it can be downloaded.
func (f Fetcher) Fetch(ctx context.Context, client IAMAPI) ([]Entry, error) {
	attempts := max(f.Attempts, 1)

	for i := 0; i < attempts; i++ {
		if _, err := client.GenerateCredentialReport(ctx, &iam.GenerateCredentialReportInput{}); err != nil {
			return nil, fmt.Errorf("generating credential report: %w", err)
		}

		out, err := client.GetCredentialReport(ctx, &iam.GetCredentialReportInput{})
		if err == nil {
			return Parse(out.Content)
		}
		if !pending(err) {
			return nil, fmt.Errorf("getting credential report: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.Wait):
		}
	}
	return nil, ErrNotReady
}

func pending(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ReportInProgress", "ReportNotPresent", "ReportExpired":
		return true
	}
	return false
}

// Parse reads the CSV report. Columns are located by header name.
func Parse(content []byte) ([]Entry, error) {
	records, err := csv.NewReader(bytes.NewReader(content)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing CSV: %w", err)
	}
	if len(records) < 2 {
		return []Entry{}, nil
	}

	cols := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		cols[name] = i
	}
	col := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	entries := make([]Entry, 0, len(records)-1)
	for _, row := range records[1:] {
		entries = append(entries, Entry{
			User:             col(row, "user"),
			ARN:              col(row, "arn"),
			PasswordEnabled:  col(row, "password_enabled") == "true",
			MFAActive:        col(row, "mfa_active") == "true",
			AccessKey1Active: col(row, "access_key_1_active") == "true",
			AccessKey2Active: col(row, "access_key_2_active") == "true",
		})
	}
	return entries, nil
}
