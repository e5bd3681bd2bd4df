package validate

import (
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mstgnz/nativepay/infra/config"
)

// outTradeNo is the merchant order number charset the gateway accepts.
var outTradeNo = regexp.MustCompile(`^[A-Za-z0-9_\-|*]{1,32}$`)

// Register adds the gateway specific tags to v:
//
//	out_trade_no  letters, digits and _-|*, at most 32 characters
//	rfc3339       a timestamp with offset, e.g. 2026-10-19T18:00:00+08:00
func Register(v *validator.Validate) error {
	if err := v.RegisterValidation("out_trade_no", func(fl validator.FieldLevel) bool {
		return outTradeNo.MatchString(fl.Field().String())
	}); err != nil {
		return err
	}
	return v.RegisterValidation("rfc3339", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(time.RFC3339, fl.Field().String())
		return err == nil
	})
}

// CustomValidate registers the custom tags on the shared validator.
func CustomValidate() {
	if err := Register(config.App().Validator); err != nil {
		panic(err)
	}
}

// New returns a fresh validator with the custom tags registered.
func New() *validator.Validate {
	v := validator.New()
	if err := Register(v); err != nil {
		panic(err)
	}
	return v
}
