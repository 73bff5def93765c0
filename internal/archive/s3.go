// Package archive keeps a durable copy of every assignment that reached a
// terminal outcome.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"dronedispatch/internal/domain"
)

// PutObjectAPI is the subset of *s3.Client the archiver uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3 loads the default AWS credential chain for region.
func NewS3(ctx context.Context, region, bucket, prefix string) (*S3Archiver, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3WithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func NewS3WithClient(client PutObjectAPI, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = "assignments"
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Key places an assignment under <prefix>/<yyyy>/<mm>/<dd>/<id>.json by the
// day it closed.
func (a *S3Archiver) Key(asg domain.Assignment) string {
	closed := asg.CreatedAt
	if asg.ClosedAt != nil {
		closed = *asg.ClosedAt
	}
	return path.Join(a.prefix, closed.UTC().Format("2006/01/02"), asg.ID+".json")
}

func (a *S3Archiver) Archive(ctx context.Context, asg domain.Assignment) error {
	body, err := json.Marshal(newDocument(asg))
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(asg)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", asg.ID, err)
	}
	return nil
}

type document struct {
	ID                  string       `json:"id"`
	OrderID             string       `json:"order_id"`
	DroneID             string       `json:"drone_id"`
	Outcome             string       `json:"outcome"`
	FailureReason       *string      `json:"failure_reason,omitempty"`
	Pickup              [2]float64   `json:"pickup"`
	Delivery            [2]float64   `json:"delivery"`
	PayloadKg           float64      `json:"payload_kg"`
	EstimatedDistanceKm float64      `json:"estimated_distance_km"`
	EstimatedEnergy     float64      `json:"estimated_energy"`
	Proof               *proof       `json:"proof,omitempty"`
	Transitions         []transition `json:"transitions"`
	CreatedAt           time.Time    `json:"created_at"`
	ClosedAt            *time.Time   `json:"closed_at,omitempty"`
}

type proof struct {
	Kind        string    `json:"kind"`
	Reference   string    `json:"reference,omitempty"`
	ConfirmedBy string    `json:"confirmed_by,omitempty"`
	At          time.Time `json:"at"`
}

type transition struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

func newDocument(a domain.Assignment) document {
	doc := document{
		ID:                  a.ID,
		OrderID:             a.OrderID,
		DroneID:             a.DroneID,
		Outcome:             string(a.Outcome),
		FailureReason:       a.FailureReason,
		Pickup:              [2]float64{a.Request.Pickup.Lat, a.Request.Pickup.Lng},
		Delivery:            [2]float64{a.Request.Delivery.Lat, a.Request.Delivery.Lng},
		PayloadKg:           a.Request.PayloadKg,
		EstimatedDistanceKm: a.EstimatedDistanceKm,
		EstimatedEnergy:     a.EstimatedEnergy,
		Transitions:         make([]transition, 0, len(a.Transitions)),
		CreatedAt:           a.CreatedAt,
		ClosedAt:            a.ClosedAt,
	}
	if a.Proof != nil {
		doc.Proof = &proof{Kind: a.Proof.Kind, Reference: a.Proof.Reference, ConfirmedBy: a.Proof.ConfirmedBy, At: a.Proof.At}
	}
	for _, tr := range a.Transitions {
		doc.Transitions = append(doc.Transitions, transition{From: string(tr.From), To: string(tr.To), Event: tr.Event, At: tr.At})
	}
	return doc
}
