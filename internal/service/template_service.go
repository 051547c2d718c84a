package service

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Raymond9734/campaign-scheduler/internal/models"
)

// TemplateService handles template rendering and validation
type TemplateService interface {
	Render(template string, customer *models.Customer) (string, error)
	ValidateTemplate(template string) error
	ExtractPlaceholders(template string) []string
}

type templateService struct {
	placeholderPattern *regexp.Regexp
}

// NewTemplateService creates a new template service
func NewTemplateService() TemplateService {
	return &templateService{
		placeholderPattern: regexp.MustCompile(`\{([a-z_]+)\}`),
	}
}

func customerFields(customer *models.Customer) map[string]string {
	return map[string]string{
		"first_name":        customer.FirstName,
		"last_name":         customer.LastName,
		"location":          customer.Location,
		"preferred_product": customer.PreferredProduct,
		"phone":             customer.Phone,
		"email":             customer.Email,
	}
}

var validPlaceholders = func() []string {
	names := make([]string, 0, 6)
	for name := range customerFields(&models.Customer{}) {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}()

// Render replaces placeholders in template with customer data
// Missing fields are replaced with empty strings
func (s *templateService) Render(template string, customer *models.Customer) (string, error) {
	if customer == nil {
		return "", models.ErrInvalidInput("customer cannot be nil")
	}

	fieldMap := customerFields(customer)

	result := s.placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		fieldName := strings.Trim(match, "{}")
		if value, exists := fieldMap[fieldName]; exists {
			return value
		}
		// Unknown placeholder - return empty string
		return ""
	})

	return result, nil
}

// ValidateTemplate checks if template syntax is valid
func (s *templateService) ValidateTemplate(template string) error {
	if template == "" {
		return models.ErrInvalidInput("template cannot be empty")
	}

	known := customerFields(&models.Customer{})
	var invalidPlaceholders []string
	for _, placeholder := range s.ExtractPlaceholders(template) {
		if _, ok := known[placeholder]; !ok {
			invalidPlaceholders = append(invalidPlaceholders, placeholder)
		}
	}

	if len(invalidPlaceholders) > 0 {
		return models.ErrInvalidInput(
			fmt.Sprintf("invalid placeholders: %s. Valid placeholders are: %s",
				strings.Join(invalidPlaceholders, ", "), strings.Join(validPlaceholders, ", ")),
		)
	}

	return nil
}

// ExtractPlaceholders returns all placeholders found in template
func (s *templateService) ExtractPlaceholders(template string) []string {
	matches := s.placeholderPattern.FindAllStringSubmatch(template, -1)
	placeholders := make([]string, 0, len(matches))

	for _, match := range matches {
		if len(match) > 1 {
			placeholders = append(placeholders, match[1])
		}
	}

	return placeholders
}
