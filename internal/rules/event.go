package rules

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EC2 event names the rules react to.
const (
	EventSourceEC2 = "ec2.amazonaws.com"
	RunInstances   = "RunInstances"
	StartInstances = "StartInstances"
)

// Instance is one instance affected by an event.
type Instance struct {
	ID      string
	ImageID string
}

// Event is a normalized CloudTrail record.
type Event struct {
	ID        string
	Name      string
	Source    string
	AccountID string
	Region    string
	Time      time.Time
	Username  string
	Instances []Instance
}

type cloudTrailRecord struct {
	EventID            string    `json:"eventID"`
	EventName          string    `json:"eventName"`
	EventSource        string    `json:"eventSource"`
	AWSRegion          string    `json:"awsRegion"`
	EventTime          time.Time `json:"eventTime"`
	RecipientAccountID string    `json:"recipientAccountId"`
	UserIdentity       struct {
		Type        string `json:"type"`
		ARN         string `json:"arn"`
		AccountID   string `json:"accountId"`
		UserName    string `json:"userName"`
		PrincipalID string `json:"principalId"`
	} `json:"userIdentity"`
	ResponseElements *struct {
		InstancesSet struct {
			Items []struct {
				InstanceID string `json:"instanceId"`
				ImageID    string `json:"imageId"`
			} `json:"items"`
		} `json:"instancesSet"`
	} `json:"responseElements"`
}

// ParseCloudTrailEvent decodes the JSON document of one CloudTrail record.
func ParseCloudTrailEvent(data []byte) (Event, error) {
	var rec cloudTrailRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Event{}, fmt.Errorf("decode cloudtrail event: %w", err)
	}
	if rec.EventID == "" || rec.EventName == "" {
		return Event{}, fmt.Errorf("cloudtrail event without id or name")
	}

	ev := Event{
		ID:        rec.EventID,
		Name:      rec.EventName,
		Source:    rec.EventSource,
		AccountID: rec.RecipientAccountID,
		Region:    rec.AWSRegion,
		Time:      rec.EventTime,
	}
	if ev.AccountID == "" {
		ev.AccountID = rec.UserIdentity.AccountID
	}

	switch {
	case rec.UserIdentity.UserName != "":
		ev.Username = rec.UserIdentity.UserName
	case rec.UserIdentity.ARN != "":
		// assumed-role ARNs end in the session name
		ev.Username = rec.UserIdentity.ARN[strings.LastIndex(rec.UserIdentity.ARN, "/")+1:]
	default:
		ev.Username = rec.UserIdentity.PrincipalID
	}

	if rec.ResponseElements != nil {
		for _, item := range rec.ResponseElements.InstancesSet.Items {
			if item.InstanceID == "" {
				continue
			}
			ev.Instances = append(ev.Instances, Instance{ID: item.InstanceID, ImageID: item.ImageID})
		}
	}
	return ev, nil
}

// IsEC2Launch reports whether ev started or launched instances.
func (e Event) IsEC2Launch() bool {
	return e.Source == EventSourceEC2 && (e.Name == RunInstances || e.Name == StartInstances)
}
