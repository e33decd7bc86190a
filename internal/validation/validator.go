// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

// Package validation wraps go-playground/validator v10 with a shared,
// lazily built validator instance and readable error messages.
//
// Configuration sections and parsed telemetry records declare their rules as
// struct tags:
//
//	type IngestionConfig struct {
//	    Port         int           `koanf:"port" validate:"min=1,max=65535"`
//	    MaxBatchSize int           `koanf:"max_batch_size" validate:"min=1"`
//	    PollInterval time.Duration `koanf:"poll_interval" validate:"min=1ms"`
//	}
//
// Field names in error messages come from the koanf tag so that they match
// the keys an operator writes in config.yaml.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError describes one failed rule.
type FieldError struct {
	namespace string
	field     string
	tag       string
	param     string
	value     interface{}
	message   string
}

// Field returns the failing field name.
func (e *FieldError) Field() string { return e.field }

// Namespace returns the dotted path to the field, e.g. "ingestion.port".
func (e *FieldError) Namespace() string { return e.namespace }

// Tag returns the failed rule.
func (e *FieldError) Tag() string { return e.tag }

// Param returns the rule parameter, e.g. "65535" for max=65535.
func (e *FieldError) Param() string { return e.param }

// Value returns the offending value.
func (e *FieldError) Value() interface{} { return e.value }

func (e *FieldError) Error() string { return e.message }

// Error collects every failed rule of one struct.
type Error struct {
	fields []FieldError
}

// Fields returns the individual failures.
func (ve *Error) Fields() []FieldError {
	return ve.fields
}

func (ve *Error) Error() string {
	if len(ve.fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(ve.fields))
	for i := range ve.fields {
		msgs = append(msgs, ve.fields[i].message)
	}
	return strings.Join(msgs, "; ")
}

// GetValidator returns the shared validator instance.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())

		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("koanf"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})

		// Registration only fails on an empty tag or nil func.
		_ = v.RegisterValidation("backoff_shape", validateBackoffShape)
		_ = v.RegisterValidation("nats_url", validateNATSURL)

		validate = v
	})
	return validate
}

// validateBackoffShape accepts the retry curves the retry package implements.
func validateBackoffShape(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "exponential", "linear":
		return true
	}
	return false
}

// validateNATSURL accepts nats://, tls:// and comma separated lists of them.
func validateNATSURL(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	if raw == "" {
		return false
	}
	for _, part := range strings.Split(raw, ",") {
		u, err := url.Parse(strings.TrimSpace(part))
		if err != nil || u.Host == "" {
			return false
		}
		if u.Scheme != "nats" && u.Scheme != "tls" {
			return false
		}
	}
	return true
}

// ValidateStruct validates s. It returns nil on success and *Error otherwise.
func ValidateStruct(s interface{}) error {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &Error{fields: []FieldError{{field: "unknown", tag: "unknown", message: err.Error()}}}
	}

	out := make([]FieldError, len(fieldErrs))
	for i, fe := range fieldErrs {
		ns := trimRoot(fe.Namespace())
		out[i] = FieldError{
			namespace: ns,
			field:     fe.Field(),
			tag:       fe.Tag(),
			param:     fe.Param(),
			value:     fe.Value(),
			message:   translateError(fe, ns),
		}
	}
	return &Error{fields: out}
}

// trimRoot drops the top-level struct type name from a namespace.
func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

var messageTemplates = map[string]string{
	"required":      "%s is required",
	"hostname_port": "%s must be host:port",
	"latitude":      "%s must be a valid latitude (-90 to 90)",
	"longitude":     "%s must be a valid longitude (-180 to 180)",
	"backoff_shape": "%s must be one of: exponential, linear",
	"nats_url":      "%s must be a nats:// or tls:// URL",
}

var paramTemplates = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
	"gt":    "%s must be greater than %s",
	"lt":    "%s must be less than %s",
}

func translateError(fe validator.FieldError, name string) string {
	tag, param := fe.Tag(), fe.Param()

	if tmpl, ok := messageTemplates[tag]; ok {
		return fmt.Sprintf(tmpl, name)
	}
	if tmpl, ok := paramTemplates[tag]; ok {
		return fmt.Sprintf(tmpl, name, param)
	}

	unit := ""
	if fe.Kind() == reflect.String {
		unit = " characters"
	}
	switch tag {
	case "min":
		return fmt.Sprintf("%s must be at least %s%s", name, param, unit)
	case "max":
		return fmt.Sprintf("%s must be at most %s%s", name, param, unit)
	default:
		return fmt.Sprintf("%s failed %s validation", name, tag)
	}
}
