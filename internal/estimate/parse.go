package estimate

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pavelanni/tutorbench/internal/model"
)

// ParseError reports a model reply that did not match the expected shape.
// Estimators recover from it locally and never return it.
type ParseError struct {
	Schema string
	Raw    string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s reply: %v", e.Schema, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var levelType = map[string]any{"type": []any{"integer", "number", "string"}}

// schemas constrain only the fields a reply cannot do without. Optional
// fields are read one by one and ignored when mistyped.
var schemas = map[string]map[string]any{
	"level": {
		"type":     "object",
		"required": []any{"level"},
	},
	"rejudge": {
		"type": "object",
	},
	"verify": {
		"type": "object",
		"properties": map[string]any{
			"verified_level": levelType,
		},
		"required": []any{"verified_level"},
	},
	"supervisor": {
		"type": "object",
		"properties": map[string]any{
			"approved": map[string]any{"type": "boolean"},
		},
		"required": []any{"approved"},
	},
}

var compiled sync.Map // map[string]*jsonschema.Schema

func compiledSchema(name string) (*jsonschema.Schema, error) {
	if s, ok := compiled.Load(name); ok {
		return s.(*jsonschema.Schema), nil
	}
	def, ok := schemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	c := jsonschema.NewCompiler()
	url := "schema://" + name + ".json"
	if err := c.AddResource(url, def); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	compiled.Store(name, s)
	return s, nil
}

var fenceRegex = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

// stripFences unwraps a reply wrapped in a markdown code block.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fenceRegex.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// decodeObject parses raw as a JSON object and validates it against schema name.
func decodeObject(name, raw string) (map[string]any, error) {
	text := stripFences(raw)
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, &ParseError{Schema: name, Raw: raw, Err: err}
	}
	s, err := compiledSchema(name)
	if err != nil {
		return nil, &ParseError{Schema: name, Raw: raw, Err: err}
	}
	if err := s.Validate(parsed); err != nil {
		return nil, &ParseError{Schema: name, Raw: raw, Err: err}
	}
	obj, _ := parsed.(map[string]any)
	return obj, nil
}

// coerceLevel converts a JSON level (number or digit string) to an integer in
// [1, 5], truncating fractions.
func coerceLevel(v any) (int, bool) {
	f, ok := coerceFloat(v)
	if !ok {
		return 0, false
	}
	n := int(f)
	if n < 1 || n > 5 {
		return 0, false
	}
	return n, true
}

func coerceFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x)
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}

// FirstLevelDigit returns the first character of s in "12345".
func FirstLevelDigit(s string) (int, bool) {
	for _, r := range s {
		if r >= '1' && r <= '5' {
			return int(r - '0'), true
		}
	}
	return 0, false
}

var levelWordRegex = regexp.MustCompile(`\b([1-5])\b`)

// LevelWord returns the first standalone digit 1 to 5 in s.
func LevelWord(s string) (int, bool) {
	m := levelWordRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	return int(m[1][0] - '0'), true
}

// ParseLevel reads a {level, rationale} reply. When the JSON is unusable the
// first digit 1 to 5 in the text wins, and failing that the level is 3.
func ParseLevel(raw string) (level int, rationale string) {
	obj, err := decodeObject("level", raw)
	if err == nil {
		rationale = stringField(obj, "rationale")
		if n, ok := coerceLevel(obj["level"]); ok {
			return n, rationale
		}
	}
	if n, ok := FirstLevelDigit(strings.TrimSpace(raw)); ok {
		return n, rationale
	}
	return int(model.DefaultLevel), rationale
}

// ParseRejudge reads an {agree, final_level, reasoning} reply. A reply that is
// not a JSON object keeps current and agrees; otherwise each field that has
// the wrong type or range falls back on its own.
func ParseRejudge(raw string, current int) (agree bool, level int, reasoning string) {
	agree, level = true, current
	obj, err := decodeObject("rejudge", raw)
	if err != nil {
		return agree, level, ""
	}
	if b, ok := obj["agree"].(bool); ok {
		agree = b
	}
	if n, ok := coerceLevel(obj["final_level"]); ok {
		level = n
	}
	return agree, level, stringField(obj, "reasoning")
}

// Verification is the half-point verifier's reading of a transcript.
type Verification struct {
	Level            float64
	Reasoning        string
	TutorPerformance string
}

// ParseVerification reads a {verified_level, reasoning, tutor_performance}
// reply. The level is clamped to [1, 5] and rounded to the nearest 0.5.
func ParseVerification(raw string) (Verification, error) {
	obj, err := decodeObject("verify", raw)
	if err != nil {
		return Verification{}, err
	}
	f, ok := coerceFloat(obj["verified_level"])
	if !ok {
		return Verification{}, &ParseError{Schema: "verify", Raw: raw, Err: fmt.Errorf("verified_level is not numeric")}
	}
	return Verification{
		Level:            model.RoundHalf(model.ClampLevel(f)),
		Reasoning:        stringField(obj, "reasoning"),
		TutorPerformance: stringField(obj, "tutor_performance"),
	}, nil
}

// ParseSupervisor reads an {approved, feedback} review.
func ParseSupervisor(raw string) (approved bool, feedback string, err error) {
	obj, err := decodeObject("supervisor", raw)
	if err != nil {
		return false, "", err
	}
	approved, _ = obj["approved"].(bool)
	return approved, stringField(obj, "feedback"), nil
}
