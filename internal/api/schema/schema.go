// Package schema validates account request bodies against embedded JSON
// schemas before they are decoded into typed requests.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed account_create.json account_update.json
var files embed.FS

// ErrMissingSecret is returned when a create request carries no client secret.
var ErrMissingSecret = errors.New("client secret is required")

var (
	createSchema = mustCompile("account_create.json")
	updateSchema = mustCompile("account_update.json")
)

// AccountCreate is a validated create request.
type AccountCreate struct {
	AccountID    int64
	CustomerID   *uuid.UUID
	ClientSecret string
}

// AccountUpdate is a validated partial update. Nil fields were absent or null.
type AccountUpdate struct {
	CustomerID   *uuid.UUID
	ClientSecret *string
	AccessToken  *string
	WebhookID    *int64
	IsActive     *bool
}

// Empty reports whether the update changes nothing.
func (u AccountUpdate) Empty() bool {
	return u.CustomerID == nil && u.ClientSecret == nil && u.AccessToken == nil &&
		u.WebhookID == nil && u.IsActive == nil
}

// ValidationError describes why a body was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

type createBody struct {
	AccountID    int64   `json:"account_id"`
	CustomerID   *string `json:"customer_id"`
	ClientSecret string  `json:"client_secret"`
}

type updateBody struct {
	CustomerID   *string `json:"customer_id"`
	ClientSecret *string `json:"client_secret"`
	AccessToken  *string `json:"access_token"`
	WebhookID    *int64  `json:"webhook_id"`
	IsActive     *bool   `json:"is_active"`
}

// DecodeAccountCreate validates and decodes a create request body.
func DecodeAccountCreate(data []byte) (AccountCreate, error) {
	inst, err := validate(createSchema, data)
	if err != nil {
		if obj, ok := inst.(map[string]any); ok {
			if s, _ := obj["client_secret"].(string); s == "" {
				return AccountCreate{}, ErrMissingSecret
			}
		}
		return AccountCreate{}, err
	}

	var body createBody
	if err := json.Unmarshal(data, &body); err != nil {
		return AccountCreate{}, &ValidationError{Reason: "invalid JSON body"}
	}
	customerID, err := parseCustomerID(body.CustomerID)
	if err != nil {
		return AccountCreate{}, err
	}
	return AccountCreate{
		AccountID:    body.AccountID,
		CustomerID:   customerID,
		ClientSecret: body.ClientSecret,
	}, nil
}

// DecodeAccountUpdate validates and decodes a partial update body.
func DecodeAccountUpdate(data []byte) (AccountUpdate, error) {
	if _, err := validate(updateSchema, data); err != nil {
		return AccountUpdate{}, err
	}

	var body updateBody
	if err := json.Unmarshal(data, &body); err != nil {
		return AccountUpdate{}, &ValidationError{Reason: "invalid JSON body"}
	}
	customerID, err := parseCustomerID(body.CustomerID)
	if err != nil {
		return AccountUpdate{}, err
	}
	return AccountUpdate{
		CustomerID:   customerID,
		ClientSecret: body.ClientSecret,
		AccessToken:  body.AccessToken,
		WebhookID:    body.WebhookID,
		IsActive:     body.IsActive,
	}, nil
}

// validate returns the decoded instance even when validation fails so
// callers can refine the message.
func validate(sch *jsonschema.Schema, data []byte) (any, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, &ValidationError{Reason: "invalid JSON body"}
	}
	if err := sch.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return inst, leafError(ve)
		}
		return inst, &ValidationError{Reason: "invalid request body"}
	}
	return inst, nil
}

func leafError(ve *jsonschema.ValidationError) *ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.Join(ve.InstanceLocation, ".")
	if field == "" {
		return &ValidationError{Reason: "invalid request body"}
	}
	return &ValidationError{Field: field, Reason: "invalid value"}
}

func parseCustomerID(s *string) (*uuid.UUID, error) {
	if s == nil {
		return nil, nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil, &ValidationError{Field: "customer_id", Reason: "must be a UUID"}
	}
	return &id, nil
}

func mustCompile(name string) *jsonschema.Schema {
	raw, err := files.ReadFile(name)
	if err != nil {
		panic(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add %s: %v", name, err))
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile %s: %v", name, err))
	}
	return sch
}
