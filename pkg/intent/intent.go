// Package intent defines the narrow-waist message pair: the ActionIntent an
// external actor submits and the ActionResult the kernel returns.
//
// Intents arriving as JSON are validated against an embedded JSON Schema
// before they are decoded, so a malformed intent becomes an invalid_argument
// result instead of a crash deeper in the kernel.
package intent

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

// ActionType is the closed set of actions.
type ActionType string

const (
	ActionNoop     ActionType = "noop"
	ActionRead     ActionType = "read_artifact"
	ActionWrite    ActionType = "write_artifact"
	ActionEdit     ActionType = "edit_artifact"
	ActionDelete   ActionType = "delete_artifact"
	ActionInvoke   ActionType = "invoke_artifact"
	ActionTransfer ActionType = "transfer"
	ActionMint     ActionType = "mint"
	ActionQuery    ActionType = "query_kernel"
)

// ActionTypes lists every action in wire order.
func ActionTypes() []ActionType {
	return []ActionType{
		ActionNoop, ActionRead, ActionWrite, ActionEdit, ActionDelete,
		ActionInvoke, ActionTransfer, ActionMint, ActionQuery,
	}
}

// Valid reports whether a is one of the known actions.
func (a ActionType) Valid() bool {
	for _, t := range ActionTypes() {
		if a == t {
			return true
		}
	}
	return false
}

// Query types for query_kernel.
const (
	QueryBalance    = "balance"
	QueryArtifacts  = "artifacts"
	QueryArtifact   = "artifact"
	QueryEvents     = "events"
	QueryQuotas     = "quotas"
	QueryPrincipals = "principals"
)

// Intent is a request from an external actor. Only the fields relevant to
// ActionType are read. Reasoning is opaque to the kernel and is persisted
// verbatim with the resulting event.
type Intent struct {
	ActionType  ActionType `json:"action_type"`
	PrincipalID string     `json:"principal_id,omitempty"`
	Reasoning   string     `json:"reasoning,omitempty"`

	ArtifactID       string            `json:"artifact_id,omitempty"`
	ArtifactType     string            `json:"artifact_type,omitempty"`
	Content          any               `json:"content,omitempty"`
	Code             string            `json:"code,omitempty"`
	Executable       *bool             `json:"executable,omitempty"`
	Policy           *artifacts.Policy `json:"policy,omitempty"`
	AccessContractID *string           `json:"access_contract_id,omitempty"`
	ChargeTo         string            `json:"charge_to,omitempty"`
	DependsOn        []string          `json:"depends_on,omitempty"`
	HasStanding      *bool             `json:"has_standing,omitempty"`
	HasLoop          *bool             `json:"has_loop,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`

	Field     string `json:"field,omitempty"`
	OldString string `json:"old_string,omitempty"`
	NewString string `json:"new_string"`

	Method string `json:"method,omitempty"`
	Args   []any  `json:"args,omitempty"`

	RecipientID string `json:"recipient_id,omitempty"`
	Amount      int64  `json:"amount,omitempty"`
	Memo        string `json:"memo,omitempty"`
	Reason      string `json:"reason,omitempty"`

	QueryType string         `json:"query_type,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// Parse validates raw JSON against the intent schema and decodes it.
func Parse(data []byte) (Intent, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return Intent{}, err
	}
	if err := validateDocument(doc); err != nil {
		return Intent{}, err
	}
	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return Intent{}, errorir.InvalidArgument("intent does not decode: %v", err)
	}
	return in.Normalize()
}

// Validate checks an intent built in Go against the same schema Parse uses.
func (in Intent) Validate() error {
	raw, err := json.Marshal(in)
	if err != nil {
		return errorir.InvalidArgument("intent is not JSON encodable: %v", err)
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return err
	}
	return validateDocument(doc)
}

// Normalize applies NFC normalisation to every identifier and requires a
// principal. Reasoning and content are left untouched.
func (in Intent) Normalize() (Intent, error) {
	if in.PrincipalID == "" {
		return in, errorir.InvalidArgument("principal_id is required").With("action_type", string(in.ActionType))
	}
	var err error
	if in.PrincipalID, err = artifacts.NormalizeID(in.PrincipalID); err != nil {
		return in, err
	}
	if in.ArtifactID != "" {
		if in.ArtifactID, err = artifacts.NormalizeID(in.ArtifactID); err != nil {
			return in, err
		}
	}
	if in.RecipientID != "" {
		if in.RecipientID, err = artifacts.NormalizeID(in.RecipientID); err != nil {
			return in, err
		}
	}
	if in.AccessContractID != nil && *in.AccessContractID != "" {
		id, err := artifacts.NormalizeID(*in.AccessContractID)
		if err != nil {
			return in, err
		}
		in.AccessContractID = &id
	}
	return in, nil
}

// ContentText renders Content as stored artifact content: strings verbatim,
// anything else as JSON.
func (in Intent) ContentText() (string, error) {
	switch c := in.Content.(type) {
	case nil:
		return "", nil
	case string:
		return c, nil
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return "", errorir.InvalidArgument("content is not JSON encodable: %v", err)
		}
		return string(b), nil
	}
}

func decodeDocument(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, errorir.InvalidArgument("intent is not valid JSON: %v", err)
	}
	if dec.More() {
		return nil, errorir.InvalidArgument("intent has trailing data")
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, errorir.InvalidArgument("intent must be a JSON object, got %s", jsonKind(doc))
	}
	return doc, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
