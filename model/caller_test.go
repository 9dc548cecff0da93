package model

import (
	"context"
	"strings"
	"testing"
)

func TestCaller_Validate(t *testing.T) {
	tests := []struct {
		name    string
		caller  Caller
		wantErr bool
	}{
		{"valid", Caller{SubjectID: "user-1"}, false},
		{"missing subject", Caller{CorrelationID: "corr-1"}, true},
		{"blank subject", Caller{SubjectID: "   "}, true},
		{"padded subject", Caller{SubjectID: " user-1"}, true},
		{"oversized subject", Caller{SubjectID: strings.Repeat("u", maxSubjectLen+1)}, true},
		{"longest subject", Caller{SubjectID: strings.Repeat("u", maxSubjectLen)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.caller.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWithCaller_and_CallerFrom(t *testing.T) {
	c := &Caller{SubjectID: "user-1"}
	if got := CallerFrom(WithCaller(context.Background(), c)); got != c {
		t.Errorf("CallerFrom() = %v, want %v", got, c)
	}
}

func TestCallerFrom_absent(t *testing.T) {
	if got := CallerFrom(context.Background()); got != nil {
		t.Errorf("CallerFrom(empty context) = %v, want nil", got)
	}
}

func TestMustCaller_absent_panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustCaller(empty context) did not panic")
		}
	}()
	MustCaller(context.Background())
}
