package imaging

import (
	"bytes"
	"crypto/rand"
	_ "embed"
	"encoding/xml"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/kdomanski/iso9660"
)

//go:embed autounattend.xml.tmpl
var answerTemplateText string

var answerTemplate = template.Must(template.New("autounattend").Funcs(template.FuncMap{
	"xml": escapeXML,
}).Parse(answerTemplateText))

// AnswerFileName is the name Windows Setup looks for on attached media.
const AnswerFileName = "autounattend.xml"

// GuestDriverPath is DriverDir as seen from the installed system.
const GuestDriverPath = `C:\Drivers\winbake`

// Answer holds the values rendered into the unattended answer file.
type Answer struct {
	ComputerName    string
	Edition         string
	ProductKey      string
	Locale          string
	Username        string
	Password        string
	DriverPath      string
	SystemPartition int
}

// RenderAnswer renders the autounattend.xml document.
func RenderAnswer(answer Answer) ([]byte, error) {
	if answer.DriverPath == "" {
		answer.DriverPath = GuestDriverPath
	}
	if answer.SystemPartition == 0 {
		answer.SystemPartition = 3
	}
	var buf bytes.Buffer
	if err := answerTemplate.Execute(&buf, answer); err != nil {
		return nil, fmt.Errorf("render answer file: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteAnswerMedia renders the answer file into stagingDir and packs the
// directory into an ISO image at isoPath.
func WriteAnswerMedia(answer Answer, stagingDir, isoPath string) error {
	document, err := RenderAnswer(answer)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return fmt.Errorf("create answer staging directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, AnswerFileName), document, 0o600); err != nil {
		return fmt.Errorf("write answer file: %w", err)
	}
	return createISOFromDirectory(stagingDir, isoPath, sanitizeVolumeLabel("UNATTEND"))
}

// GeneratePassword returns a random password that satisfies the default
// Windows complexity policy.
func GeneratePassword(length int) (string, error) {
	const (
		upper   = "ABCDEFGHJKLMNPQRSTUVWXYZ"
		lower   = "abcdefghijkmnopqrstuvwxyz"
		digits  = "23456789"
		symbols = "!#%+-=_"
	)
	if length < 8 {
		length = 8
	}
	classes := []string{upper, lower, digits, symbols}
	all := strings.Join(classes, "")

	out := make([]byte, 0, length)
	for _, class := range classes {
		c, err := pick(class)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < length {
		c, err := pick(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	// shuffle so the class prefix is not predictable
	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		out[i], out[j.Int64()] = out[j.Int64()], out[i]
	}
	return string(out), nil
}

func pick(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, fmt.Errorf("generate password: %w", err)
	}
	return alphabet[n.Int64()], nil
}

func escapeXML(value string) (string, error) {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(value)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func createISOFromDirectory(sourceDir, imagePath, volumeLabel string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(out, volumeLabel); err != nil {
		out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

func sanitizeVolumeLabel(parts ...string) string {
	const maxLen = 32

	var b strings.Builder
	for _, r := range strings.Join(parts, "_") {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "WINBAKE"
	}
	return b.String()
}
