package objectkey

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Generator defines the interface for object key generation strategies
type Generator interface {
	// GenerateKey returns a key for fileName that is unique per call.
	GenerateKey(fileName string) string
}

// UUIDGenerator produces "{uuid}-{fileName}". This is the default scheme:
// two calls for the same name in the same millisecond still differ.
type UUIDGenerator struct {
	// NewID defaults to uuid.New.
	NewID func() uuid.UUID
}

func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{NewID: uuid.New}
}

func (g *UUIDGenerator) GenerateKey(fileName string) string {
	newID := g.NewID
	if newID == nil {
		newID = uuid.New
	}
	return fmt.Sprintf("%s-%s", newID(), sanitizeFilename(fileName))
}

// TimestampGenerator produces "{unixMillis}-{shortid}-{fileName}". The
// random suffix keeps concurrent calls apart.
type TimestampGenerator struct {
	Now func() time.Time
}

func NewTimestampGenerator() *TimestampGenerator {
	return &TimestampGenerator{Now: time.Now}
}

func (g *TimestampGenerator) GenerateKey(fileName string) string {
	now := g.Now
	if now == nil {
		now = time.Now
	}
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d-%s-%s", now().UnixMilli(), short, sanitizeFilename(fileName))
}

// PrefixGenerator places keys from Base under a fixed folder, e.g. "uploads/".
type PrefixGenerator struct {
	Prefix string
	Base   Generator
}

func NewPrefixGenerator(prefix string) *PrefixGenerator {
	return &PrefixGenerator{
		Prefix: sanitizePathComponent(prefix),
		Base:   NewUUIDGenerator(),
	}
}

func (g *PrefixGenerator) GenerateKey(fileName string) string {
	if g.Prefix == "" {
		return g.Base.GenerateKey(fileName)
	}
	return g.Prefix + "/" + g.Base.GenerateKey(fileName)
}

// CustomFuncGenerator allows users to provide their own key generation function
type CustomFuncGenerator struct {
	GenerateFunc func(fileName string) string
}

func NewCustomFuncGenerator(fn func(fileName string) string) *CustomFuncGenerator {
	return &CustomFuncGenerator{GenerateFunc: fn}
}

func (g *CustomFuncGenerator) GenerateKey(fileName string) string {
	return g.GenerateFunc(fileName)
}

// NewDefaultGenerator returns the generator issuers use when none is configured.
func NewDefaultGenerator() Generator {
	return NewUUIDGenerator()
}

// Path separators would turn the key into a folder hierarchy and control
// characters break signed URLs; everything else in the name is kept.
var filenameReplacer = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	"\r", "_",
	"\n", "_",
	"\t", "_",
)

func sanitizeFilename(filename string) string {
	return filenameReplacer.Replace(filename)
}

func sanitizePathComponent(component string) string {
	return strings.Trim(strings.ToLower(strings.ReplaceAll(component, "\\", "/")), "/ ")
}
