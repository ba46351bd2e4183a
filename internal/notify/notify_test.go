package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("broker down")
}

func (f *failingPublisher) Close() error { return nil }

func TestSendSwallowsErrors(t *testing.T) {
	p := &failingPublisher{}
	Send(context.Background(), p, Event{Type: EventJobCreated, OrganizationID: uuid.New()})
	require.Equal(t, 1, p.calls)

	Send(context.Background(), nil, Event{Type: EventJobCreated})
	Send(context.Background(), Nop{}, Event{Type: EventJobCreated})
}

func TestEncodeMessageKeysByOrganization(t *testing.T) {
	orgID := uuid.Must(uuid.NewV7())
	jobID := uuid.Must(uuid.NewV7())
	evt := Event{Type: EventJobFinished, OrganizationID: orgID, JobID: &jobID, Status: "completed", Time: time.Now().UTC()}

	msg, err := encodeMessage(evt)
	require.NoError(t, err)
	require.Equal(t, orgID.String(), string(msg.Key))
	require.Equal(t, "event-type", msg.Headers[0].Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	require.Equal(t, evt.Type, decoded.Type)
	require.Equal(t, jobID, *decoded.JobID)
}

func TestNewKafkaPublisherRequiresConfig(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "caseflow.events")
	require.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "caseflow.events")
	require.NoError(t, err)
	require.NoError(t, p.Close())
}
