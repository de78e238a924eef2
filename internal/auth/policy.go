package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
)

var (
	upperPattern = regexp.MustCompile(`[A-Z]`)
	lowerPattern = regexp.MustCompile(`[a-z]`)
	digitPattern = regexp.MustCompile(`[0-9]`)
)

var commonPasswords = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password123": {},
	"12345678":    {},
	"123456789":   {},
	"qwerty123":   {},
	"welcome123":  {},
	"letmein":     {},
	"admin123":    {},
	"changeme1":   {},
}

// ValidatePassword enforces the password policy applied to new passwords:
// 8 to 72 bytes with upper-case, lower-case and a digit, and not a well-known value.
func ValidatePassword(password string) error {
	err := validation.Validate(password,
		validation.Required,
		validation.Length(8, 72).Error("must be between 8 and 72 bytes"),
		validation.Match(upperPattern).Error("must contain an upper-case letter"),
		validation.Match(lowerPattern).Error("must contain a lower-case letter"),
		validation.Match(digitPattern).Error("must contain a digit"),
		validation.By(notCommon),
	)
	if err != nil {
		return fmt.Errorf("%w: password %v", ErrWeakPassword, err)
	}
	return nil
}

func notCommon(value interface{}) error {
	s, _ := value.(string)
	if _, ok := commonPasswords[strings.ToLower(s)]; ok {
		return errors.New("is too common")
	}
	return nil
}
