// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package validation

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type retrySection struct {
	MaxAttempts int           `koanf:"max_attempts" validate:"min=1,max=100"`
	Shape       string        `koanf:"shape" validate:"backoff_shape"`
	Initial     time.Duration `koanf:"initial_interval" validate:"min=1ms"`
}

type sample struct {
	Name  string       `koanf:"name" validate:"required,max=8"`
	URL   string       `koanf:"url" validate:"omitempty,nats_url"`
	Lat   float64      `koanf:"lat" validate:"latitude"`
	Retry retrySection `koanf:"retry"`
}

func validSample() sample {
	return sample{
		Name:  "fleet",
		URL:   "nats://127.0.0.1:4222",
		Lat:   41.0,
		Retry: retrySection{MaxAttempts: 3, Shape: "exponential", Initial: 100 * time.Millisecond},
	}
}

func TestGetValidatorSingleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Error("GetValidator should return one instance")
	}
}

func TestValidateStructValid(t *testing.T) {
	s := validSample()
	if err := ValidateStruct(&s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateStructFailures(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*sample)
		namespace string
		tag       string
		contains  string
	}{
		{"missing name", func(s *sample) { s.Name = "" }, "name", "required", "name is required"},
		{"long name", func(s *sample) { s.Name = "much-too-long" }, "name", "max", "at most 8 characters"},
		{"bad url scheme", func(s *sample) { s.URL = "http://localhost:4222" }, "url", "nats_url", "nats://"},
		{"latitude range", func(s *sample) { s.Lat = 91 }, "lat", "latitude", "valid latitude"},
		{"shape", func(s *sample) { s.Retry.Shape = "cubic" }, "retry.shape", "backoff_shape", "exponential, linear"},
		{"attempts", func(s *sample) { s.Retry.MaxAttempts = 0 }, "retry.max_attempts", "min", "at least 1"},
		{"interval", func(s *sample) { s.Retry.Initial = 0 }, "retry.initial_interval", "min", "retry.initial_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSample()
			tt.mutate(&s)

			err := ValidateStruct(&s)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verr *Error
			if !errors.As(err, &verr) {
				t.Fatalf("error type = %T, want *Error", err)
			}
			if len(verr.Fields()) != 1 {
				t.Fatalf("got %d field errors, want 1: %v", len(verr.Fields()), err)
			}
			fe := verr.Fields()[0]
			if fe.Namespace() != tt.namespace {
				t.Errorf("Namespace = %q, want %q", fe.Namespace(), tt.namespace)
			}
			if fe.Tag() != tt.tag {
				t.Errorf("Tag = %q, want %q", fe.Tag(), tt.tag)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("message %q does not contain %q", err.Error(), tt.contains)
			}
		})
	}
}

func TestValidateStructMultiple(t *testing.T) {
	s := validSample()
	s.Name = ""
	s.Retry.Shape = ""

	err := ValidateStruct(&s)
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T", err)
	}
	if len(verr.Fields()) != 2 {
		t.Fatalf("got %d errors, want 2", len(verr.Fields()))
	}
	if !strings.Contains(err.Error(), "; ") {
		t.Errorf("messages should be joined: %q", err.Error())
	}
}

func TestNATSURLList(t *testing.T) {
	s := validSample()
	s.URL = "nats://a:4222, tls://b:4222"
	if err := ValidateStruct(&s); err != nil {
		t.Errorf("comma separated URLs should pass: %v", err)
	}
}
