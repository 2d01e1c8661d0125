// Package tools declares the booking operations the live model may call and
// brokers each call to the booking collaborator.
package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"
)

const (
	CheckAvailability = "checkAvailability"
	BookAppointment   = "prenotaAppuntamento"
	CancelAppointment = "cancellareAppuntamento"
)

// Param is one typed argument of a declared tool. Type is a JSON schema
// primitive: string, integer or number.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Declaration describes a callable tool in a provider-neutral form.
type Declaration struct {
	Name        string
	Description string
	Params      []Param
}

var declarations = []Declaration{
	{
		Name:        CheckAvailability,
		Description: "Controlla gli slot disponibili per un appuntamento. Restituisce al massimo 10 risultati.",
		Params: []Param{
			{Name: "date", Type: "string", Description: "Data nel formato YYYY-MM-DD (opzionale)"},
		},
	},
	{
		Name:        BookAppointment,
		Description: "Prenota un appuntamento nel calendario. Indica lo slotId oppure data e ora.",
		Params: []Param{
			{Name: "slotId", Type: "integer", Description: "ID dello slot restituito da checkAvailability"},
			{Name: "date", Type: "string", Description: "Data dell'appuntamento (YYYY-MM-DD)"},
			{Name: "time", Type: "string", Description: "Orario dell'appuntamento (HH:MM)"},
			{Name: "notes", Type: "string", Description: "Note aggiuntive o motivo della visita"},
		},
	},
	{
		Name:        CancelAppointment,
		Description: "Cancella un appuntamento esistente.",
		Params: []Param{
			{Name: "appointmentId", Type: "integer", Description: "ID dell'appuntamento da cancellare", Required: true},
			{Name: "reason", Type: "string", Description: "Motivo della cancellazione"},
		},
	},
}

// toolAliases maps alternate operation names onto the declared ones.
var toolAliases = map[string]string{
	"bookAppointment":    BookAppointment,
	"cancelAppointment":  CancelAppointment,
	"check_availability": CheckAvailability,
}

// argAliases maps alternate argument names onto the declared ones.
var argAliases = map[string]string{
	"data":           "date",
	"ora":            "time",
	"note":           "notes",
	"motivo":         "reason",
	"slot_id":        "slotId",
	"appointment_id": "appointmentId",
}

// Declarations returns the tool set announced to the model at connect time.
func Declarations() []Declaration {
	out := make([]Declaration, len(declarations))
	copy(out, declarations)
	return out
}

// Names returns the declared tool names.
func Names() []string {
	out := make([]string, 0, len(declarations))
	for _, d := range declarations {
		out = append(out, d.Name)
	}
	return out
}

// Canonical resolves a tool name or alias to its declared name.
func Canonical(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if alias, ok := toolAliases[name]; ok {
		return alias, true
	}
	for _, d := range declarations {
		if d.Name == name {
			return name, true
		}
	}
	return "", false
}

// JSONSchema renders the declaration's arguments as a JSON schema object.
// Integer ids also accept their decimal string form.
func (d Declaration) JSONSchema() map[string]any {
	props := make(map[string]any, len(d.Params))
	required := make([]string, 0)
	for _, p := range d.Params {
		prop := map[string]any{"description": p.Description}
		switch p.Type {
		case "integer":
			prop["anyOf"] = []any{
				map[string]any{"type": "integer", "minimum": 1},
				map[string]any{"type": "number", "minimum": 1},
				map[string]any{"type": "string", "pattern": "^[0-9]+$"},
			}
		default:
			prop["type"] = p.Type
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

type validator struct {
	schemas map[string]*jsonschema.Schema
}

func newValidator(decls []Declaration) (*validator, error) {
	v := &validator{schemas: make(map[string]*jsonschema.Schema, len(decls))}
	for _, d := range decls {
		compiler := jsonschema.NewCompiler()
		raw, err := json.Marshal(d.JSONSchema())
		if err != nil {
			return nil, fmt.Errorf("encode %s schema: %w", d.Name, err)
		}
		schema, err := compiler.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", d.Name, err)
		}
		v.schemas[d.Name] = schema
	}
	return v, nil
}

func (v *validator) validate(tool string, args map[string]any) error {
	schema, ok := v.schemas[tool]
	if !ok {
		return fmt.Errorf("no schema for %s", tool)
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	result := schema.ValidateJSON(raw)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("invalid arguments: %v", result.Errors)
}

// normalizeArgs returns a copy of args with alias keys renamed and null values
// dropped. Declared keys win over aliases when both are present.
func normalizeArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if v == nil {
			continue
		}
		if canonical, ok := argAliases[k]; ok {
			if _, exists := args[canonical]; exists {
				continue
			}
			k = canonical
		}
		out[k] = v
	}
	return out
}
