package doctor

import (
	"context"
	"errors"

	"github.com/hay-kot/criterio"

	"github.com/hay-kot/lrmq/internal/core/config"
)

// ConfigCheck validates the configuration file.
type ConfigCheck struct {
	config  *config.Config
	loadErr error
}

// NewConfigCheck creates a configuration check. loadErr is the error, if any,
// returned while reading cfg.
func NewConfigCheck(cfg *config.Config, loadErr error) *ConfigCheck {
	return &ConfigCheck{config: cfg, loadErr: loadErr}
}

func (c *ConfigCheck) Name() string {
	return "Configuration"
}

func (c *ConfigCheck) Run(context.Context) Result {
	result := Result{Name: c.Name()}

	if c.loadErr != nil || c.config == nil {
		detail := "configuration not loaded"
		if c.loadErr != nil {
			detail = c.loadErr.Error()
		}
		result.Items = append(result.Items, CheckItem{Label: "Config loaded", Status: StatusFail, Detail: detail})
		return result
	}

	err := c.config.Validate()
	warnings := c.config.Warnings()

	if err == nil && len(warnings) == 0 {
		result.Items = append(result.Items, CheckItem{Label: "Config valid", Status: StatusPass})
		return result
	}

	if err != nil {
		var fieldErrs criterio.FieldErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				label := fe.Field
				if label == "" {
					label = "validation"
				}
				result.Items = append(result.Items, CheckItem{Label: label, Status: StatusFail, Detail: fe.Err.Error()})
			}
		} else {
			result.Items = append(result.Items, CheckItem{Label: "validation", Status: StatusFail, Detail: err.Error()})
		}
	}

	for _, w := range warnings {
		label := w.Category
		if w.Item != "" {
			label += " (" + w.Item + ")"
		}
		result.Items = append(result.Items, CheckItem{Label: label, Status: StatusWarn, Detail: w.Message})
	}

	return result
}
