package limits

import (
	"errors"
	"testing"
)

func TestValidatePayloadSize(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		maxSize int
		wantErr error
	}{
		{
			name:    "valid payload",
			payload: []byte("hello"),
			maxSize: 10,
			wantErr: nil,
		},
		{
			name:    "exactly at limit",
			payload: make([]byte, MaxDatagramPayload),
			maxSize: MaxDatagramPayload,
			wantErr: nil,
		},
		{
			name:    "one over limit",
			payload: make([]byte, MaxDatagramPayload+1),
			maxSize: MaxDatagramPayload,
			wantErr: ErrPayloadTooLarge,
		},
		{
			name:    "empty payload",
			payload: []byte{},
			maxSize: 10,
			wantErr: ErrPayloadEmpty,
		},
		{
			name:    "nil payload",
			payload: nil,
			maxSize: 10,
			wantErr: ErrPayloadEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayloadSize(tt.payload, tt.maxSize)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateChannel(t *testing.T) {
	if err := ValidateChannel(0); err != nil {
		t.Errorf("Channel 0 should be valid: %v", err)
	}
	if err := ValidateChannel(MaxChannels - 1); err != nil {
		t.Errorf("Channel %d should be valid: %v", MaxChannels-1, err)
	}
	if err := ValidateChannel(MaxChannels); !errors.Is(err, ErrChannelOutOfRange) {
		t.Errorf("Expected ErrChannelOutOfRange, got %v", err)
	}
}
