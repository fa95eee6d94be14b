package auth

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hitoshi/sangha/internal/model"
)

const (
	minPasswordLength     = 6
	minFullNameLength     = 2
	maxFullNameLength     = 100
	maxSpiritualNameLen   = 100
	maxIntroductionLength = 1000
)

var (
	emailPattern = regexp.MustCompile(`^\w+([.-]?\w+)*@\w+([.-]?\w+)*(\.\w{2,})+$`)
	phonePattern = regexp.MustCompile(`^\+?[\d\s\-()]+$`)
)

// fieldErrors はフィールド名からエラーメッセージへの対応を蓄積する。
type fieldErrors map[string]string

func (f fieldErrors) add(field, message string) {
	if _, exists := f[field]; !exists {
		f[field] = message
	}
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return model.NewValidationError(f)
}

func validateEmail(errs fieldErrors, email string) {
	if !emailPattern.MatchString(strings.TrimSpace(email)) {
		errs.add("email", "Please provide a valid email")
	}
}

// validatePassword はパスワードの複雑性（6文字以上、大文字・小文字・数字を各1文字以上）を検証する。
func validatePassword(errs fieldErrors, field, password string) {
	if utf8.RuneCountInString(password) < minPasswordLength {
		errs.add(field, "Password must be at least 6 characters")
		return
	}
	var lower, upper, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !lower || !upper || !digit {
		errs.add(field, "Password must contain at least one uppercase letter, one lowercase letter, and one number")
	}
}

func validateProfile(errs fieldErrors, p ProfileInput) {
	if n := utf8.RuneCountInString(p.FullName); n < minFullNameLength || n > maxFullNameLength {
		errs.add("fullName", "Full name must be between 2 and 100 characters")
	}
	if utf8.RuneCountInString(p.SpiritualName) > maxSpiritualNameLen {
		errs.add("spiritualName", "Spiritual name must not exceed 100 characters")
	}
	if p.Phone != "" && !phonePattern.MatchString(p.Phone) {
		errs.add("phone", "Please provide a valid phone number")
	}
	if utf8.RuneCountInString(p.Introduction) > maxIntroductionLength {
		errs.add("introduction", "Introduction must not exceed 1000 characters")
	}
}
