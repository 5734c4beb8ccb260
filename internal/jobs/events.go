package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"

	"github.com/yairfalse/vigil/internal/awsapi"
	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/internal/facts"
	"github.com/yairfalse/vigil/internal/rules"
	"github.com/yairfalse/vigil/internal/scan"
)

// EventJob feeds recent EC2 CloudTrail events through the rule dispatcher.
type EventJob struct {
	Deps
	Dispatcher *rules.Dispatcher
	Lookback   time.Duration
}

// NewEventJob creates the CloudTrail event job.
func NewEventJob(d Deps, dispatcher *rules.Dispatcher, lookback time.Duration) *EventJob {
	return &EventJob{Deps: d, Dispatcher: dispatcher, Lookback: lookback}
}

// Name implements scheduler.Job.
func (j *EventJob) Name() string { return config.JobEvents }

// Run evaluates the events of the lookback window in every account and region.
func (j *EventJob) Run(ctx context.Context) (scan.Stats, error) {
	end := j.now()
	start := end.Add(-j.Lookback)

	h := &scan.Harness[awsapi.CloudTrailAPI, cttypes.Event]{
		Job:      j.Name(),
		Accounts: j.Accounts,
		Regions:  j.Regions,
		Connect: func(ctx context.Context, accountID, region string) (awsapi.CloudTrailAPI, error) {
			return awsapi.CloudTrail(ctx, j.Clients, accountID, region)
		},
		List: func(ctx context.Context, client awsapi.CloudTrailAPI, cursor string) (scan.Page[cttypes.Event], error) {
			in := &cloudtrail.LookupEventsInput{
				LookupAttributes: []cttypes.LookupAttribute{{
					AttributeKey:   cttypes.LookupAttributeKeyEventSource,
					AttributeValue: aws.String(rules.EventSourceEC2),
				}},
				StartTime: aws.Time(start),
				EndTime:   aws.Time(end),
			}
			if cursor != "" {
				in.NextToken = aws.String(cursor)
			}
			out, err := client.LookupEvents(ctx, in)
			if err != nil {
				return scan.Page[cttypes.Event]{}, fmt.Errorf("lookup events: %w", err)
			}
			return scan.Page[cttypes.Event]{Items: out.Events, Next: aws.ToString(out.NextToken)}, nil
		},
		Handle: func(ctx context.Context, t scan.Target[awsapi.CloudTrailAPI], record cttypes.Event) error {
			return j.process(ctx, t.AccountID, t.Region, record)
		},
		ItemID:     func(record cttypes.Event) string { return aws.ToString(record.EventId) },
		ItemKey:    "event_id",
		Exceptions: j.Exceptions,
	}
	return h.Run(ctx)
}

func (j *EventJob) process(ctx context.Context, account, region string, record cttypes.Event) error {
	ev, err := rules.ParseCloudTrailEvent([]byte(aws.ToString(record.CloudTrailEvent)))
	if err != nil {
		return err
	}
	if !ev.IsEC2Launch() {
		return nil
	}
	if ev.AccountID == "" {
		ev.AccountID = account
	}
	if ev.Region == "" {
		ev.Region = region
	}

	for _, inst := range ev.Instances {
		if inst.ImageID == "" && j.Instances != nil {
			found, ok, err := j.Instances.Instance(ctx, ev.AccountID, ev.Region, inst.ID)
			if err != nil {
				return err
			}
			if ok {
				inst.ImageID = found.ImageID
			}
		}

		fc := facts.New(facts.Identity{
			AccountID:  ev.AccountID,
			Region:     ev.Region,
			EventID:    ev.ID,
			EventName:  ev.Name,
			ResourceID: inst.ID,
			ImageID:    inst.ImageID,
			Username:   ev.Username,
		}, j.Facts, j.Trust)
		j.Dispatcher.Dispatch(ctx, ev, inst, fc)
	}
	return nil
}
