// Package textops applies ordered batches of text edits.
//
// Indices count Unicode code points, and every operation in a batch is evaluated
// against the text produced by the operations before it.
package textops

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	KindInsert  = "insert"
	KindDelete  = "delete"
	KindReplace = "replace"
)

var ErrInvalidOperation = errors.New("invalid operation")

// Operation is the wire form of a single edit. Index is used by inserts,
// Start and End by deletes and replaces. Missing positions are out of bounds.
type Operation struct {
	Op    string `json:"op"`
	Index *int   `json:"index,omitempty"`
	Start *int   `json:"start,omitempty"`
	End   *int   `json:"end,omitempty"`
	Text  string `json:"text,omitempty"`
}

func Insert(index int, text string) Operation {
	return Operation{Op: KindInsert, Index: &index, Text: text}
}

func Delete(start, end int) Operation {
	return Operation{Op: KindDelete, Start: &start, End: &end}
}

func Replace(start, end int, text string) Operation {
	return Operation{Op: KindReplace, Start: &start, End: &end, Text: text}
}

// Kind returns the normalised operation name.
func (o Operation) Kind() string {
	return strings.ToLower(strings.TrimSpace(o.Op))
}

// Apply runs ops in order against text. On any error the caller's text is
// untouched and no partial result is returned.
func Apply(text string, ops []Operation) (string, error) {
	out := []rune(text)
	for i, op := range ops {
		next, err := applyOne(out, op)
		if err != nil {
			return "", fmt.Errorf("operation %d: %w", i, err)
		}
		out = next
	}
	return string(out), nil
}

func applyOne(buf []rune, op Operation) ([]rune, error) {
	switch kind := op.Kind(); kind {
	case KindInsert:
		index := position(op.Index)
		if index < 0 || index > len(buf) {
			return nil, fmt.Errorf("%w: insert index out of bounds", ErrInvalidOperation)
		}
		return splice(buf, index, index, op.Text), nil
	case KindDelete, KindReplace:
		start, end := position(op.Start), position(op.End)
		if start < 0 || end < start || end > len(buf) {
			return nil, fmt.Errorf("%w: %s range out of bounds", ErrInvalidOperation, kind)
		}
		replacement := ""
		if kind == KindReplace {
			replacement = op.Text
		}
		return splice(buf, start, end, replacement), nil
	default:
		return nil, fmt.Errorf("%w: unsupported operation %q", ErrInvalidOperation, kind)
	}
}

// Decode converts raw wire elements into operations. Each element must be a
// JSON object; positions may be integers or integer strings.
func Decode(raw []json.RawMessage) ([]Operation, error) {
	ops := make([]Operation, 0, len(raw))
	for i, element := range raw {
		op, err := decodeOne(element)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeOne(element json.RawMessage) (Operation, error) {
	var fields map[string]json.RawMessage
	trimmed := bytes.TrimSpace(element)
	if !bytes.HasPrefix(trimmed, []byte("{")) || json.Unmarshal(trimmed, &fields) != nil {
		return Operation{}, fmt.Errorf("%w: operation must be an object", ErrInvalidOperation)
	}
	var (
		op  Operation
		err error
	)
	if op.Op, err = decodeString(fields["op"]); err != nil {
		return Operation{}, fmt.Errorf("%w: op must be a string", ErrInvalidOperation)
	}
	if op.Text, err = decodeString(fields["text"]); err != nil {
		return Operation{}, fmt.Errorf("%w: text must be a string", ErrInvalidOperation)
	}
	positions := []struct {
		name   string
		target **int
	}{{"index", &op.Index}, {"start", &op.Start}, {"end", &op.End}}
	for _, p := range positions {
		if *p.target, err = decodePosition(fields[p.name]); err != nil {
			return Operation{}, fmt.Errorf("%w: %s must be an integer", ErrInvalidOperation, p.name)
		}
	}
	return op, nil
}

func decodeString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", err
	}
	return value, nil
}

func decodePosition(raw json.RawMessage) (*int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var text string
	if json.Unmarshal(raw, &text) != nil {
		text = string(raw)
	}
	value, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func position(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

func splice(buf []rune, start, end int, text string) []rune {
	insert := []rune(text)
	out := make([]rune, 0, len(buf)-(end-start)+len(insert))
	out = append(out, buf[:start]...)
	out = append(out, insert...)
	out = append(out, buf[end:]...)
	return out
}
