package engine

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidStageTransition = errors.New("invalid stage transition")
	ErrInvalidPromotionPath   = errors.New("invalid promotion path")
	ErrSubmissionConflict     = errors.New("submission conflict")
	ErrCandidateRejected      = errors.New("candidate rejected")
)

var validate = validator.New()

func validateOptions(opts any) error {
	if err := validate.Struct(opts); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %s", ErrInvalidInput, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
