// ABOUTME: Request validation for registration and login payloads
// ABOUTME: Uses go-playground/validator struct tags

package auth

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// RegisterRequest is the validated shape of a registration payload
type RegisterRequest struct {
	Email       string `validate:"required,email"`
	Password    string `validate:"required,min=8,max=72"`
	DisplayName string `validate:"required,min=1,max=80"`
}

// LoginRequest is the validated shape of a login payload
type LoginRequest struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

// ValidateRegister checks a registration request against the field rules
func ValidateRegister(req RegisterRequest) error {
	return validate.Struct(req)
}

// ValidateLogin checks a login request against the field rules
func ValidateLogin(req LoginRequest) error {
	return validate.Struct(req)
}
