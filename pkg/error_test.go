package pkg

import (
	"errors"
	"testing"
)

func TestADIv5Status_String(t *testing.T) {
	tests := []struct {
		status ADIv5Status
		want   string
	}{
		{ADIv5OK, "OK"},
		{ADIv5Fault, "ADIv5_FAULT"},
		{ADIv5Timeout, "ADIv5_TIMEOUT"},
		{ADIv5NoConnect, "ADIv5_NOCONNECT"},
		{ADIv5Status(99), "UNKNOWN ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("ADIv5Status.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestADIv5Status_Err(t *testing.T) {
	if err := ADIv5OK.Err(); err != nil {
		t.Errorf("ADIv5OK.Err() = %v, want nil", err)
	}

	for _, status := range []ADIv5Status{ADIv5Fault, ADIv5Timeout, ADIv5NoConnect} {
		err := status.Err()
		if err == nil {
			t.Fatalf("%v.Err() = nil, want non-nil", status)
		}
		var adiErr *ADIv5Error
		if !errors.As(err, &adiErr) {
			t.Fatalf("%v.Err() = %T, want *ADIv5Error", status, err)
		}
		if adiErr.Status != status {
			t.Errorf("ADIv5Error.Status = %v, want %v", adiErr.Status, status)
		}
	}
}

func TestSentinelErrors(t *testing.T) {
	// Verify all sentinel errors are distinct.
	errs := []error{
		ErrDeviceUnavailable,
		ErrProtocol,
		ErrCRCMismatch,
		ErrBadStatus,
		ErrInvalidIdentifier,
		ErrAlreadyOpen,
		ErrClosed,
		ErrNoDevice,
		ErrInvalidParameter,
		ErrBufferTooSmall,
	}

	for i, err1 := range errs {
		if err1 == nil {
			t.Errorf("error %d is nil", i)
			continue
		}
		for j, err2 := range errs {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %d and %d are equal", i, j)
			}
		}
	}
}
