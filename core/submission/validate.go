package submission

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/errs"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const voteSchema = `{
	"type": "object",
	"required": ["videoID", "timestamp", "voteType"],
	"properties": {
		"videoID": {"type": "string", "minLength": 1},
		"timestamp": {"type": "number", "minimum": 0},
		"voteType": {"enum": ["upvote", "downvote"]}
	}
}`

const translationSchema = `{
	"type": "object",
	"required": ["videoID", "timestamp", "language", "text", "action"],
	"properties": {
		"videoID": {"type": "string", "minLength": 1},
		"timestamp": {"type": "number", "minimum": 0},
		"language": {"type": "string", "minLength": 1},
		"text": {"type": "string", "minLength": 1},
		"action": {"enum": ["submit", "correct"]}
	}
}`

var printer = message.NewPrinter(language.English)

type validator struct {
	schema *jsonschema.Schema
}

func newValidator(kind dto.Kind) (*validator, error) {
	src := voteSchema
	if kind == dto.KindTranslation {
		src = translationSchema
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s schema", kind)
	}
	url := string(kind) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, errors.Wrapf(err, "add %s schema", kind)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, errors.Wrapf(err, "compile %s schema", kind)
	}

	return &validator{schema: schema}, nil
}

// Validate checks raw against the schema and returns a *errs.ValidationError on failure.
func (v *validator) Validate(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &errs.ValidationError{Reason: "empty payload"}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &errs.ValidationError{Reason: "malformed JSON: " + err.Error()}
	}

	err = v.schema.Validate(inst)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &errs.ValidationError{Reason: err.Error()}
	}

	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	return &errs.ValidationError{
		Field:  strings.Join(leaf.InstanceLocation, "."),
		Reason: leaf.ErrorKind.LocalizedString(printer),
	}
}
