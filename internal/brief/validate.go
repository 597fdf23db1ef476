package brief

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"crmflow/internal/payload"
	"crmflow/internal/targeting"
)

type rawDocument struct {
	RunID        string          `yaml:"run_id"`
	CampaignGoal string          `yaml:"campaign_goal"`
	Channel      string          `yaml:"channel"`
	Tone         string          `yaml:"tone"`
	Brief        map[string]any  `yaml:"brief"`
	Target       *rawTargetInput `yaml:"target"`
}

type rawTargetInput struct {
	Gender          []string `yaml:"gender"`
	AgeBands        []string `yaml:"age_bands"`
	SkinTypes       []string `yaml:"skin_types"`
	ConcernKeywords []string `yaml:"concern_keywords"`
}

// Document is one validated campaign brief file.
type Document struct {
	RunID        string
	CampaignGoal string
	Channel      string
	Tone         string
	Brief        payload.Payload
	// Target is nil when the file selects no filters.
	Target *targeting.TargetInput
	Source string
}

// ValidationError captures a single field-specific validation issue.
type ValidationError struct {
	File    string
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.File, e.Field, e.Message)
}

// ValidationErrors aggregates multiple validation problems.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "\n")
}

var (
	runIDPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	channelPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
	agePattern     = regexp.MustCompile(`^[0-9]{1,2}s$`)
	allowedGenders = map[string]bool{"F": true, "M": true}
)

// ParseAndValidateDocument unmarshals and validates a YAML brief document.
func ParseAndValidateDocument(data []byte, source string) (Document, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Document{}, ValidationErrors{{
			File:    source,
			Field:   "yaml",
			Message: err.Error(),
		}}
	}
	return validateRawDocument(raw, source)
}

func validateRawDocument(raw rawDocument, source string) (Document, error) {
	var errs ValidationErrors

	runID := strings.TrimSpace(raw.RunID)
	if runID == "" {
		errs = append(errs, ValidationError{
			File:    source,
			Field:   "run_id",
			Message: "run_id is required",
		})
	} else if !runIDPattern.MatchString(runID) {
		errs = append(errs, ValidationError{
			File:    source,
			Field:   "run_id",
			Message: fmt.Sprintf("run_id %q may only contain letters, digits, '-' and '_'", runID),
		})
	}

	goal := strings.TrimSpace(raw.CampaignGoal)
	if goal == "" {
		if g, ok := raw.Brief["goal"].(string); ok {
			goal = strings.TrimSpace(g)
		}
	}
	if goal == "" {
		errs = append(errs, ValidationError{
			File:    source,
			Field:   "campaign_goal",
			Message: "campaign_goal (or brief.goal) is required",
		})
	}

	channel := strings.TrimSpace(raw.Channel)
	if channel != "" && !channelPattern.MatchString(channel) {
		errs = append(errs, ValidationError{
			File:    source,
			Field:   "channel",
			Message: fmt.Sprintf("channel %q must be upper-case, e.g. PUSH or SMS", channel),
		})
	}

	var brief payload.Payload
	if raw.Brief != nil {
		normalized, err := payload.Normalize(raw.Brief)
		if err != nil {
			errs = append(errs, ValidationError{
				File:    source,
				Field:   "brief",
				Message: err.Error(),
			})
		}
		brief = normalized
	}

	var target *targeting.TargetInput
	if raw.Target != nil {
		in, targetErrs := validateTargetInput(*raw.Target, "target", source)
		errs = append(errs, targetErrs...)
		if len(in.Payload()) > 0 {
			target = &in
		}
	}

	if len(errs) > 0 {
		return Document{}, errs
	}

	return Document{
		RunID:        runID,
		CampaignGoal: goal,
		Channel:      channel,
		Tone:         strings.TrimSpace(raw.Tone),
		Brief:        brief,
		Target:       target,
		Source:       source,
	}, nil
}

// ParseTargetInput unmarshals and validates a standalone filter selection.
func ParseTargetInput(data []byte, source string) (targeting.TargetInput, error) {
	var raw rawTargetInput
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return targeting.TargetInput{}, ValidationErrors{{
			File:    source,
			Field:   "yaml",
			Message: err.Error(),
		}}
	}
	in, errs := validateTargetInput(raw, "", source)
	if len(errs) > 0 {
		return targeting.TargetInput{}, errs
	}
	return in, nil
}

// ValidateTargetInput cleans and validates a filter selection built in code,
// such as one assembled from command-line flags.
func ValidateTargetInput(in targeting.TargetInput, source string) (targeting.TargetInput, error) {
	out, errs := validateTargetInput(rawTargetInput{
		Gender:          in.Gender,
		AgeBands:        in.AgeBands,
		SkinTypes:       in.SkinTypes,
		ConcernKeywords: in.ConcernKeywords,
	}, "", source)
	if len(errs) > 0 {
		return targeting.TargetInput{}, errs
	}
	return out, nil
}

func validateTargetInput(raw rawTargetInput, fieldPath, source string) (targeting.TargetInput, ValidationErrors) {
	var errs ValidationErrors
	field := func(name string) string {
		if fieldPath == "" {
			return name
		}
		return fieldPath + "." + name
	}

	gender, genderErrs := cleanValues(raw.Gender, field("gender"), source, func(v string) string {
		if !allowedGenders[v] {
			return fmt.Sprintf("gender %q must be F or M", v)
		}
		return ""
	})
	errs = append(errs, genderErrs...)

	ages, ageErrs := cleanValues(raw.AgeBands, field("age_bands"), source, func(v string) string {
		if !agePattern.MatchString(v) {
			return fmt.Sprintf("age band %q must look like 20s", v)
		}
		return ""
	})
	errs = append(errs, ageErrs...)

	skins, skinErrs := cleanValues(raw.SkinTypes, field("skin_types"), source, nil)
	errs = append(errs, skinErrs...)

	keywords, kwErrs := cleanValues(raw.ConcernKeywords, field("concern_keywords"), source, nil)
	errs = append(errs, kwErrs...)

	return targeting.TargetInput{
		Gender:          gender,
		AgeBands:        ages,
		SkinTypes:       skins,
		ConcernKeywords: keywords,
	}, errs
}

// cleanValues trims values and reports blanks, duplicates and values check
// rejects.
func cleanValues(values []string, fieldPath, source string, check func(string) string) ([]string, ValidationErrors) {
	var errs ValidationErrors
	seen := make(map[string]struct{}, len(values))
	var out []string
	for idx, v := range values {
		path := fmt.Sprintf("%s[%d]", fieldPath, idx)
		v = strings.TrimSpace(v)
		if v == "" {
			errs = append(errs, ValidationError{File: source, Field: path, Message: "value must not be blank"})
			continue
		}
		if _, dup := seen[v]; dup {
			errs = append(errs, ValidationError{File: source, Field: path, Message: fmt.Sprintf("duplicate value %q", v)})
			continue
		}
		seen[v] = struct{}{}
		if check != nil {
			if msg := check(v); msg != "" {
				errs = append(errs, ValidationError{File: source, Field: path, Message: msg})
				continue
			}
		}
		out = append(out, v)
	}
	return out, errs
}
