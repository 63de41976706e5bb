// Package validate runs client-side form checks before anything reaches the
// network. Failures come back as *Error with one message per form field.
package validate

import (
	"errors"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var tagPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,40}$`)

const TagMessage = "Tags must be 1-40 characters and contain only letters, numbers, hyphens, or underscores."

// Error maps form field names to the message shown next to that field.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return strings.Join(parts, "; ")
}

func (e *Error) Field(name string) string {
	if e == nil {
		return ""
	}
	return e.Fields[name]
}

// Fields returns the per-field messages of err, or nil when err is not a
// validation failure.
func Fields(err error) map[string]string {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Fields
	}
	return nil
}

func Field(name, message string) *Error {
	return &Error{Fields: map[string]string{name: message}}
}

var (
	once     sync.Once
	instance *validator.Validate
)

func engine() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("form"), ",", 2)[0]
			if name == "" || name == "-" {
				return field.Name
			}
			return name
		})
		_ = v.RegisterValidation("tagname", func(fl validator.FieldLevel) bool {
			return IsTag(fl.Field().String())
		})
		_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
		instance = v
	})
	return instance
}

// Struct validates a form struct. Field names come from `form` tags and
// messages from `msg` tags, falling back to a generic message per rule.
func Struct(form any) error {
	err := engine().Struct(form)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &Error{Fields: make(map[string]string, len(verrs))}
	typ := reflect.Indirect(reflect.ValueOf(form)).Type()
	for _, fe := range verrs {
		name := withoutIndex(fe.Field())
		if _, seen := out.Fields[name]; seen {
			continue
		}
		out.Fields[name] = message(typ, fe)
	}
	return out
}

// withoutIndex turns a dive field such as "tags[2]" back into "tags".
func withoutIndex(name string) string {
	if i := strings.IndexByte(name, '['); i >= 0 {
		return name[:i]
	}
	return name
}

func message(typ reflect.Type, fe validator.FieldError) string {
	if sf, ok := typ.FieldByName(withoutIndex(fe.StructField())); ok {
		if msg := sf.Tag.Get("msg"); msg != "" {
			return msg
		}
	}
	name := withoutIndex(fe.Field())
	switch fe.Tag() {
	case "required", "notblank":
		return name + " must be provided"
	case "tagname":
		return TagMessage
	case "min":
		return name + " must be at least " + fe.Param() + " characters"
	case "eqfield":
		return name + " must match " + fe.Param()
	default:
		return name + " is invalid"
	}
}

func IsTag(tag string) bool {
	return tagPattern.MatchString(strings.TrimSpace(tag))
}

type tagsForm struct {
	Tags []string `form:"tags" validate:"dive,tagname" msg:"Tags must be 1-40 characters and contain only letters, numbers, hyphens, or underscores."`
}

// Tags checks every tag and reports offenders under the "tags" field.
func Tags(tags []string) error {
	return Struct(tagsForm{Tags: tags})
}
