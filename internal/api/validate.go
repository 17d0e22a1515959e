package api

import (
	"fmt"

	"github.com/crucible-platform/crucible/internal/model"
)

// submitRequest is the POST /eval wire body.
type submitRequest struct {
	Code           string   `json:"code"`
	Language       string   `json:"language"`
	Image          string   `json:"image"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	MemoryBytes    int64    `json:"memory_bytes"`
	CPUShares      int      `json:"cpu_shares"`
	Priority       string   `json:"priority"`
	Preserve       bool     `json:"preserve"`
}

// validationError is a 400, as opposed to an oversize-code 413.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func invalidf(format string, args ...any) *validationError {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// oversizeError signals the code payload exceeded MaxCodeBytes, mapped to
// 413 by the handler rather than 400.
type oversizeError struct{ max int64 }

func (e *oversizeError) Error() string {
	return fmt.Sprintf("code exceeds maximum size of %d bytes", e.max)
}

// normalize validates req against cfg and fills in defaults, returning the
// fields ready to build a model.Evaluation. Numeric limits are clamped
// rather than rejected, per spec section 4.1; only code size, language,
// and image are hard validation failures.
func normalize(req submitRequest, cfg ValidationConfig) (language, image string, timeoutSeconds int, memoryBytes int64, cpuShares int, priority model.Priority, err error) {
	if len(req.Code) == 0 {
		return "", "", 0, 0, 0, "", invalidf("code must not be empty")
	}
	if cfg.MaxCodeBytes > 0 && int64(len(req.Code)) > cfg.MaxCodeBytes {
		return "", "", 0, 0, 0, "", &oversizeError{max: cfg.MaxCodeBytes}
	}

	language = req.Language
	if language == "" {
		if len(cfg.AllowedLanguages) == 0 {
			return "", "", 0, 0, 0, "", invalidf("no language configured and none supplied")
		}
		language = cfg.AllowedLanguages[0]
	}
	if !contains(cfg.AllowedLanguages, language) {
		return "", "", 0, 0, 0, "", invalidf("language %q is not in the allow-list", language)
	}

	image = req.Image
	if image == "" {
		if len(cfg.AllowedImages) == 0 {
			return "", "", 0, 0, 0, "", invalidf("no image configured and none supplied")
		}
		image = cfg.AllowedImages[0]
	}
	if !contains(cfg.AllowedImages, image) {
		return "", "", 0, 0, 0, "", invalidf("image %q is not in the allow-list", image)
	}

	timeoutSeconds = req.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = cfg.DefaultTimeoutSeconds
	}
	if cfg.MaxTimeoutSeconds > 0 && timeoutSeconds > cfg.MaxTimeoutSeconds {
		timeoutSeconds = cfg.MaxTimeoutSeconds
	}

	memoryBytes = req.MemoryBytes
	if memoryBytes <= 0 {
		memoryBytes = cfg.DefaultMemoryBytes
	}
	if cfg.MaxMemoryBytes > 0 && memoryBytes > cfg.MaxMemoryBytes {
		memoryBytes = cfg.MaxMemoryBytes
	}

	cpuShares = req.CPUShares
	if cpuShares <= 0 {
		cpuShares = cfg.DefaultCPUShares
	}
	if cfg.MaxCPUShares > 0 && cpuShares > cfg.MaxCPUShares {
		cpuShares = cfg.MaxCPUShares
	}

	priority = model.Priority(req.Priority)
	if priority == "" {
		priority = cfg.DefaultPriority
	}
	if !validPriority(priority) {
		return "", "", 0, 0, 0, "", invalidf("priority %q is not recognized", priority)
	}

	return language, image, timeoutSeconds, memoryBytes, cpuShares, priority, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func validPriority(p model.Priority) bool {
	for _, candidate := range model.PriorityOrder {
		if candidate == p {
			return true
		}
	}
	return false
}
