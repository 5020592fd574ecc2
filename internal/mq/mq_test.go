package mq

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/db"
	"github.com/septivank/greenhouse-controller/internal/events"
)

func TestDispose(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		redelivered bool
		want        disposition
	}{
		{"success", nil, false, ack},
		{"validation", apperrors.NewValidationError("empty reading", nil), false, deadLetter},
		{"storage first attempt", apperrors.NewStorageError("db down", nil), false, requeue},
		{"storage redelivered", apperrors.NewStorageError("db down", nil), true, deadLetter},
		{"unclassified", errors.New("boom"), false, deadLetter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dispose(tt.err, tt.redelivered); got != tt.want {
				t.Errorf("dispose() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoutingKey(t *testing.T) {
	if got := routingKey(events.SnapshotUpdated(db.Snapshot{})); got != RoutingKeySnapshotUpdated {
		t.Errorf("snapshot routing key = %s", got)
	}
	if got := routingKey(events.DeviceUpdated(db.Device{}, events.CauseAuto)); got != RoutingKeyDeviceUpdated {
		t.Errorf("device routing key = %s", got)
	}
}

func TestEncodeEvent(t *testing.T) {
	d := db.Device{ID: uuid.New(), Name: "Fan", Type: db.DeviceTypeFan, IsActive: true, CreatedAt: time.Now().UTC()}
	body, err := encodeEvent(events.DeviceUpdated(d, events.CauseAuto))
	if err != nil {
		t.Fatalf("encodeEvent() error = %v", err)
	}

	var msg EventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Event != "device:update" || msg.Cause != events.CauseAuto {
		t.Errorf("unexpected envelope %+v", msg)
	}

	var got db.Device
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if got.ID != d.ID || !got.IsActive {
		t.Errorf("device = %+v, want %+v", got, d)
	}
}
