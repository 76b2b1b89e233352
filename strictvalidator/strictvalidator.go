// Package strictvalidator is the reference wsrouter.ValidatorAdapter. It
// uses nothing but encoding/json's DisallowUnknownFields, the same
// discipline internal/handler/handler.go applies to GraphQL HTTP request
// bodies in the teacher repo (decoder.DisallowUnknownFields() /
// decoder.UseNumber()), generalized here to per-message-type request/
// response schemas instead of one fixed GraphQL request shape.
//
// Schemas are registered as pointers to zero-valued Go structs (the
// prototype pattern): wsrouter.Descriptor.RequestSchema is, for example,
// (*JoinRoomRequest)(nil). Validate allocates a fresh instance of the same
// type and decodes into it.
package strictvalidator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/andrewwphillips/wsrouter"
)

// TypeNamed lets a schema prototype report its own wire message type,
// instead of requiring a separate type->schema table.
type TypeNamed interface {
	WSMessageType() string
}

// Validator is the strict-decode ValidatorAdapter.
type Validator struct{}

// New returns a ready-to-use Validator. It holds no state.
func New() *Validator { return &Validator{} }

func (Validator) Validate(d wsrouter.Descriptor, rawMeta, rawPayload []byte) wsrouter.ValidationResult {
	issues := validateMeta(d.MetaSchema, rawMeta)

	if d.RequestSchema == nil {
		// Descriptor declares no payload shape: accept any payload
		// (including none) uninterpreted.
		if len(issues) > 0 {
			return wsrouter.ValidationResult{OK: false, Issues: issues}
		}
		return wsrouter.ValidationResult{OK: true}
	}

	value, payloadIssues := decodeStrict(d.RequestSchema, rawPayload, "payload")
	issues = append(issues, payloadIssues...)
	if len(issues) > 0 {
		return wsrouter.ValidationResult{OK: false, Issues: issues}
	}
	return wsrouter.ValidationResult{OK: true, Value: value}
}

// engineMetaKeys are meta keys the core protocol recognizes regardless of a
// message's MetaSchema (see wsrouter's Meta type and MetaTimeoutMs).
var engineMetaKeys = map[string]struct{}{
	wsrouter.MetaCorrelation: {},
	wsrouter.MetaTimestamp:   {},
	wsrouter.MetaTimeoutMs:   {},
}

// validateMeta rejects any meta key that is neither engine-recognized nor
// declared by d.MetaSchema, the meta half of spec §8 property 6 ("strict
// envelopes... any key in meta outside the schema"). A nil MetaSchema means
// the message type accepts no application-defined meta keys.
func validateMeta(schema any, rawMeta []byte) []wsrouter.ValidationIssue {
	if len(rawMeta) == 0 {
		return nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(rawMeta, &probe); err != nil {
		return []wsrouter.ValidationIssue{{Path: "meta", Reason: err.Error()}}
	}
	for k := range engineMetaKeys {
		delete(probe, k)
	}
	if len(probe) == 0 {
		return nil
	}
	if schema == nil {
		issues := make([]wsrouter.ValidationIssue, 0, len(probe))
		for k := range probe {
			issues = append(issues, wsrouter.ValidationIssue{Path: "meta." + k, Reason: "unknown meta key"})
		}
		return issues
	}
	remaining, err := json.Marshal(probe)
	if err != nil {
		return []wsrouter.ValidationIssue{{Path: "meta", Reason: err.Error()}}
	}
	_, issues := decodeStrict(schema, remaining, "meta")
	return issues
}

func (Validator) ValidateOutgoing(schema any, payload any) (bool, []wsrouter.ValidationIssue) {
	if schema == nil {
		return true, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, []wsrouter.ValidationIssue{{Path: "payload", Reason: err.Error()}}
	}
	_, issues := decodeStrict(schema, raw, "payload")
	return len(issues) == 0, issues
}

func (Validator) GetMessageType(schema any) string {
	if tn, ok := schema.(TypeNamed); ok {
		return tn.WSMessageType()
	}
	return ""
}

func (Validator) Enhancers() []wsrouter.ContextEnhancer { return nil }

// decodeStrict allocates a new instance of prototype's underlying type,
// strictly decodes raw into it (mirroring handler.go's
// decoder.DisallowUnknownFields()/UseNumber() pair), then runs the
// struct-tag-driven required-field checker over the result. path labels
// which part of the envelope raw came from ("payload" or "meta") for
// ValidationIssue.Path.
func decodeStrict(prototype any, raw []byte, path string) (any, []wsrouter.ValidationIssue) {
	t := reflect.TypeOf(prototype)
	if t.Kind() != reflect.Ptr {
		return nil, []wsrouter.ValidationIssue{{Path: path, Reason: fmt.Sprintf("schema prototype %T is not a pointer", prototype)}}
	}
	inst := reflect.New(t.Elem())

	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(inst.Interface()); err != nil {
		return nil, []wsrouter.ValidationIssue{{Path: path, Reason: err.Error()}}
	}
	if issues := checkRequired(inst.Interface(), path); len(issues) > 0 {
		return nil, issues
	}
	return inst.Interface(), nil
}

// checkRequired fails any exported field tagged `wsrouter:"required"` that
// decoded to its zero value, the struct-tag counterpart to
// DisallowUnknownFields: that rejects extra keys, this rejects missing or
// empty ones (spec E4's payload.name min(1) case).
func checkRequired(v any, path string) []wsrouter.ValidationIssue {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	rt := rv.Type()
	var issues []wsrouter.ValidationIssue
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		if !hasTagOption(f.Tag.Get("wsrouter"), "required") {
			continue
		}
		if rv.Field(i).IsZero() {
			issues = append(issues, wsrouter.ValidationIssue{
				Path:   path + "." + jsonFieldName(f),
				Reason: "required field is missing or empty",
			})
		}
	}
	return issues
}

func hasTagOption(tag, option string) bool {
	for _, opt := range strings.Split(tag, ",") {
		if opt == option {
			return true
		}
	}
	return false
}

// jsonFieldName returns the name a field is decoded under, honoring an
// explicit `json` tag and falling back to the Go field name.
func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	name := strings.Split(tag, ",")[0]
	if name == "" {
		return f.Name
	}
	return name
}
