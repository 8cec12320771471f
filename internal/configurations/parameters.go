// Package configurations loads and validates build parameters.
package configurations

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cochaviz/winbake/internal/retry"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. WINBAKE_WORK_DIR.
const EnvPrefix = "WINBAKE"

// FetchMethods lists the acquisition methods a parameters file may name.
var FetchMethods = []string{"cloud", "ranged", "stream", "curl", "file"}

// Source is a remote input of the build.
type Source struct {
	URL    string `yaml:"url" envconfig:"URL"`
	SHA256 string `yaml:"sha256,omitempty" envconfig:"SHA256" validate:"omitempty,len=64,hexadecimal"`
	// Methods overrides the transfer order for this source only.
	Methods []string `yaml:"methods,omitempty" envconfig:"METHODS" validate:"omitempty,dive,fetchmethod"`
}

type DiskOptions struct {
	SizeGB          int    `yaml:"size_gb" envconfig:"SIZE_GB" validate:"min=20"`
	Format          string `yaml:"format" envconfig:"FORMAT" validate:"oneof=qcow2 raw"`
	OutputFormat    string `yaml:"output_format" envconfig:"OUTPUT_FORMAT" validate:"oneof=qcow2 raw vmdk vhdx"`
	SystemPartition int    `yaml:"system_partition" envconfig:"SYSTEM_PARTITION" validate:"min=1,max=16"`
	Filesystem      string `yaml:"filesystem" envconfig:"FILESYSTEM" validate:"required"`
}

type VMOptions struct {
	ConnectionURI string `yaml:"connection_uri" envconfig:"CONNECTION_URI" validate:"required"`
	MemoryMB      int    `yaml:"memory_mb" envconfig:"MEMORY_MB" validate:"min=2048"`
	VCPUs         int    `yaml:"vcpus" envconfig:"VCPUS" validate:"min=1,max=64"`
	// Bridge defaults to a per-build name when empty.
	Bridge      string `yaml:"bridge,omitempty" envconfig:"BRIDGE" validate:"omitempty,max=15"`
	NetworkCIDR string `yaml:"network_cidr" envconfig:"NETWORK_CIDR" validate:"omitempty,cidr"`
	// TPM attaches an emulated TPM 2.0 (swtpm), required by Windows 11.
	TPM bool `yaml:"tpm" envconfig:"TPM"`
}

// AccountOptions describes the temporary account used during installation.
// An empty password is replaced by a random one per build.
type AccountOptions struct {
	Username string `yaml:"username" envconfig:"USERNAME" validate:"required,max=20"`
	Password string `yaml:"password,omitempty" envconfig:"PASSWORD"`
}

type RetryOptions struct {
	Attempts int           `yaml:"attempts" envconfig:"ATTEMPTS" validate:"min=1,max=20"`
	Delay    time.Duration `yaml:"delay" envconfig:"DELAY" validate:"min=0"`
	Backoff  string        `yaml:"backoff" envconfig:"BACKOFF" validate:"oneof=fixed linear"`
}

// Policy turns the options into a retry policy.
func (r RetryOptions) Policy(name string) retry.Policy {
	backoff := retry.Linear
	if r.Backoff == "fixed" {
		backoff = retry.Fixed
	}
	return retry.Policy{
		Name:        name,
		MaxAttempts: r.Attempts,
		BaseDelay:   r.Delay,
		Backoff:     backoff,
	}
}

type TransferOptions struct {
	// Methods is the process-wide default order.
	Methods []string     `yaml:"methods" envconfig:"METHODS" validate:"min=1,dive,fetchmethod"`
	Retry   RetryOptions `yaml:"retry" envconfig:"RETRY"`
	// ProgressInterval throttles download progress messages.
	ProgressInterval time.Duration `yaml:"progress_interval" envconfig:"PROGRESS_INTERVAL" validate:"min=0"`
}

// Parameters are the static inputs of one build.
type Parameters struct {
	Name       string `yaml:"name" envconfig:"NAME" validate:"required,max=15,hostname_rfc1123"`
	Edition    string `yaml:"edition" envconfig:"EDITION" validate:"required"`
	ProductKey string `yaml:"product_key,omitempty" envconfig:"PRODUCT_KEY"`
	Locale     string `yaml:"locale" envconfig:"LOCALE" validate:"required"`

	WorkDir   string `yaml:"work_dir" envconfig:"WORK_DIR" validate:"required"`
	OutputDir string `yaml:"output_dir" envconfig:"OUTPUT_DIR" validate:"required"`

	Media   Source `yaml:"media" envconfig:"MEDIA"`
	Drivers Source `yaml:"drivers,omitempty" envconfig:"DRIVERS"`

	Disk     DiskOptions     `yaml:"disk" envconfig:"DISK"`
	VM       VMOptions       `yaml:"vm" envconfig:"VM"`
	Account  AccountOptions  `yaml:"account" envconfig:"ACCOUNT"`
	Transfer TransferOptions `yaml:"transfer" envconfig:"TRANSFER"`
	Retry    RetryOptions    `yaml:"retry" envconfig:"RETRY"`

	InstallTimeout time.Duration `yaml:"install_timeout" envconfig:"INSTALL_TIMEOUT" validate:"min=1m"`
}

// Defaults returns parameters with every optional field filled in.
func Defaults() Parameters {
	return Parameters{
		Locale:    "en-US",
		WorkDir:   "/var/lib/winbake/work",
		OutputDir: "/var/lib/winbake/images",
		Disk: DiskOptions{
			SizeGB:          64,
			Format:          "qcow2",
			OutputFormat:    "qcow2",
			SystemPartition: 3,
			Filesystem:      "ntfs3",
		},
		VM: VMOptions{
			ConnectionURI: "qemu:///system",
			MemoryMB:      4096,
			VCPUs:         2,
			NetworkCIDR:   "10.213.0.1/24",
		},
		Account: AccountOptions{Username: "winbake"},
		Transfer: TransferOptions{
			Methods:          []string{"cloud", "ranged", "stream", "curl"},
			Retry:            RetryOptions{Attempts: 3, Delay: 5 * time.Second, Backoff: "linear"},
			ProgressInterval: 2 * time.Second,
		},
		Retry:          RetryOptions{Attempts: 3, Delay: 2 * time.Second, Backoff: "linear"},
		InstallTimeout: 2 * time.Hour,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("fetchmethod", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		for _, known := range FetchMethods {
			if name == known {
				return true
			}
		}
		return false
	})
	return v
}

// Validate reports every invalid field at once.
func (p Parameters) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Media.URL) == "" {
		errs = append(errs, errors.New("media.url is required"))
	}
	if err := validate.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate parameters: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fmt.Errorf("%s: failed %q validation (value %v)", fe.Namespace(), fe.Tag(), redact(fe)))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid parameters: %w", errors.Join(errs...))
	}
	return nil
}

func redact(fe validator.FieldError) any {
	if strings.Contains(strings.ToLower(fe.Field()), "password") || fe.Field() == "ProductKey" {
		return "<redacted>"
	}
	return fe.Value()
}

// Load reads a YAML parameters file on top of Defaults and applies
// WINBAKE_* environment overrides. An empty path skips the file. The result
// is not validated so callers can apply flag overrides first.
func Load(path string) (Parameters, error) {
	params := Defaults()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Parameters{}, fmt.Errorf("open parameters file: %w", err)
		}
		defer file.Close()
		if err := Decode(file, &params); err != nil {
			return Parameters{}, fmt.Errorf("parse parameters file %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &params); err != nil {
		return Parameters{}, fmt.Errorf("read %s_* environment: %w", EnvPrefix, err)
	}
	return params, nil
}

// Decode strictly decodes YAML into params; unknown keys are an error.
func Decode(r io.Reader, params *Parameters) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(params); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Redacted returns a copy safe to log or persist.
func (p Parameters) Redacted() Parameters {
	if p.Account.Password != "" {
		p.Account.Password = "<redacted>"
	}
	if p.ProductKey != "" {
		p.ProductKey = "<redacted>"
	}
	return p
}
