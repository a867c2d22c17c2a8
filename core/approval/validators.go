package approval

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/shule/core"
)

var (
	docKindTag  = "doc_kind"
	docKindText = "unknown document kind"

	decisionTag  = "decision"
	decisionText = "decision must be one of approve or reject"
)

// InitValidators registers the approval validators and their translations.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(docKindTag, docKindValidation)
	core.RegisterCustomTranslation(validate, translator, docKindTag, docKindText)

	_ = validate.RegisterValidation(decisionTag, decisionValidation)
	core.RegisterCustomTranslation(validate, translator, decisionTag, decisionText)
}

func docKindValidation(fl validator.FieldLevel) bool {
	kind := DocumentKind(fl.Field().String())
	for _, k := range DocumentKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func decisionValidation(fl validator.FieldLevel) bool {
	switch DecisionKind(fl.Field().String()) {
	case DecisionApprove, DecisionReject:
		return true
	}
	return false
}
