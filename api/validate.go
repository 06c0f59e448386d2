package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

const notBlankTag = "notblank"

// requestValidator checks request DTOs and renders field errors in
// English using JSON field names.
type requestValidator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func newRequestValidator() *requestValidator {
	v := validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	trans, _ := uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(v, trans)

	// Use JSON tag names for errors instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		if s, ok := fl.Field().Interface().(string); ok {
			return strings.TrimSpace(s) != ""
		}
		return false
	})
	_ = v.RegisterTranslation(notBlankTag, trans,
		func(ut.Translator) error { return nil },
		func(_ ut.Translator, fe validator.FieldError) string {
			return fe.Field() + " cannot be blank"
		})

	return &requestValidator{validate: v, translator: trans}
}

// fieldError is the first failing field of a request, plus all messages.
type fieldError struct {
	Field    string
	Message  string
	Messages map[string]string
}

func (e *fieldError) Error() string { return e.Message }

func (rv *requestValidator) check(req any) error {
	err := rv.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fe := &fieldError{Messages: make(map[string]string, len(verrs))}
	for i, v := range verrs {
		msg := v.Translate(rv.translator)
		fe.Messages[v.Field()] = msg
		if i == 0 {
			fe.Field = v.Field()
			fe.Message = msg
		}
	}
	return fe
}

// decodeAndValidate reads a JSON body into req and validates it. An empty
// body is allowed when allowEmpty is set (all-optional requests).
func (rv *requestValidator) decodeAndValidate(r *http.Request, req any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return &fieldError{Field: "body", Message: fmt.Sprintf("invalid request body: %v", err)}
		}
	}
	return rv.check(req)
}
