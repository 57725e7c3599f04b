// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance. Field names in violations
// follow the json tag so error paths match the wire format.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateSchema checks one raw element against the definition's payload
// schema.
//
// Description:
//
//	Encodes the element back to JSON and decodes it into a fresh payload
//	struct with unknown fields rejected, then runs the validator tags.
//	The first violation is reported as a SchemaError naming the element
//	index and the offending path.
//
// Inputs:
//
//	def - The action definition. A nil Schema accepts everything.
//	index - The element's position, for error reporting.
//	element - The raw payload element.
//
// Outputs:
//
//	error - A SchemaError on violation, nil otherwise.
func validateSchema(def *Definition, index int, element Instance) error {
	if def.Schema == nil {
		return nil
	}
	payload := def.Schema()

	raw, err := json.Marshal(element)
	if err != nil {
		return SchemaError{Action: def.Name, Index: index, Reason: err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return SchemaError{Action: def.Name, Index: index, Reason: decodeReason(err)}
	}

	if err := validate.Struct(payload); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return SchemaError{
				Action: def.Name,
				Index:  index,
				Path:   fe.Field(),
				Reason: "failed constraint " + fe.Tag(),
			}
		}
		return SchemaError{Action: def.Name, Index: index, Reason: err.Error()}
	}
	return nil
}

// decodeReason normalizes json decoder messages for the error envelope.
func decodeReason(err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, "json: unknown field ") {
		return "unknown field " + strings.TrimPrefix(msg, "json: unknown field ")
	}
	return msg
}
