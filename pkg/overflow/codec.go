package overflow

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/billm/baaaht/extipc/internal/config"
	"github.com/billm/baaaht/extipc/internal/logger"
	"github.com/billm/baaaht/extipc/pkg/metrics"
	"github.com/billm/baaaht/extipc/pkg/types"
)

const (
	// DefaultLimitSize is the serialized size at which payloads spill
	DefaultLimitSize = config.DefaultOverflowLimitSize

	// EnvTmpDir names the fallback temp directory when none is given
	EnvTmpDir = config.EnvProcessMessageTmpDir

	fileMode os.FileMode = 0o666
	dirMode  os.FileMode = 0o755
)

// Codec encodes payloads for the channel, spilling large ones to files
type Codec struct {
	dir    string
	limit  *atomic.Int64
	fs     FS
	newID  func() string
	logger *logger.Logger
}

// Option configures a Codec
type Option func(*Codec)

// WithLimitSize sets the spill threshold in bytes
func WithLimitSize(n int) Option {
	return func(c *Codec) { c.limit.Store(int64(n)) }
}

// WithFS replaces the filesystem
func WithFS(fs FS) Option {
	return func(c *Codec) { c.fs = fs }
}

// WithIDGenerator replaces the file name generator
func WithIDGenerator(fn func() string) Option {
	return func(c *Codec) { c.newID = fn }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(c *Codec) { c.logger = l }
}

// New creates a codec writing to dir, or to $PROCESS_MESSAGE_TMP_DIR when dir
// is empty. The directory is created if missing.
func New(dir string, opts ...Option) (*Codec, error) {
	if dir == "" {
		dir = os.Getenv(EnvTmpDir)
	}
	if dir == "" {
		return nil, types.NewError(types.ErrCodeConfiguration,
			"overflow temp directory not configured: set "+EnvTmpDir)
	}

	c := &Codec{
		dir:    dir,
		limit:  atomic.NewInt64(DefaultLimitSize),
		fs:     OSFS{},
		newID:  uuid.NewString,
		logger: logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "overflow_codec", "dir", dir)

	if err := c.fs.MkdirAll(dir, dirMode); err != nil {
		return nil, types.WrapError(types.ErrCodeConfiguration, "failed to create overflow directory "+dir, err)
	}

	return c, nil
}

// NewFromConfig creates a codec from the overflow section of the configuration
func NewFromConfig(cfg config.OverflowConfig, log *logger.Logger) (*Codec, error) {
	opts := []Option{WithLimitSize(cfg.LimitSize)}
	if log != nil {
		opts = append(opts, WithLogger(log))
	}
	return New(cfg.TmpDir, opts...)
}

// Dir returns the temp directory
func (c *Codec) Dir() string {
	return c.dir
}

// LimitSize returns the current spill threshold in bytes
func (c *Codec) LimitSize() int {
	return int(c.limit.Load())
}

// SetLimitSize changes the spill threshold. Safe for concurrent use.
func (c *Codec) SetLimitSize(n int) {
	c.limit.Store(int64(n))
}

// Encode returns v unchanged if it serializes below the limit, otherwise an
// OverflowFile referencing a temp file holding it. Values that cannot be
// serialized encode to nil without error.
func (c *Codec) Encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	limit := c.limit.Load()

	if s, ok := v.(string); ok {
		if int64(len(s)) < limit {
			return s, nil
		}
		return c.spill(s, types.OverflowContentString)
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Debug("Payload not serializable, encoding as null", "error", err)
		return nil, nil
	}
	if int64(len(data)) < limit {
		return v, nil
	}
	return c.spill(string(data), types.OverflowContentObject)
}

func (c *Codec) spill(content, contentType string) (any, error) {
	path, err := c.WriteMessageFile(content)
	if err != nil {
		return nil, err
	}

	metrics.Spilled.WithLabelValues(contentType).Inc()
	metrics.SpilledBytes.Add(float64(len(content)))
	c.logger.Debug("Payload spilled to file",
		"path", path,
		"content_type", contentType,
		"bytes", len(content))

	return types.OverflowFile{
		Marker:      types.OverflowMarkerFile,
		ContentType: contentType,
		Content:     path,
	}, nil
}

// Decode reverses Encode. Overflow envelopes (as OverflowFile, *OverflowFile,
// a generic JSON object, or raw JSON) are read back and their file removed;
// "object" content is parsed as JSON. Anything else is returned unchanged.
func (c *Codec) Decode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	ref, ok := AsOverflow(v)
	if !ok {
		return v, nil
	}

	content, err := c.restore(ref)
	if err != nil {
		return nil, err
	}

	if ref.ContentType == types.OverflowContentObject {
		var out any
		if err := json.Unmarshal(content, &out); err != nil {
			return nil, types.WrapError(types.ErrCodeInvalid, "overflow file does not hold valid JSON: "+ref.Content, err)
		}
		return out, nil
	}
	return string(content), nil
}

// DecodeRaw is Decode for payloads still in wire form. The result is the JSON
// of the original payload; raw that is not an overflow envelope is returned as is.
func (c *Codec) DecodeRaw(raw json.RawMessage) (json.RawMessage, error) {
	ref, ok := AsOverflow(raw)
	if !ok {
		return raw, nil
	}

	content, err := c.restore(ref)
	if err != nil {
		return nil, err
	}

	if ref.ContentType == types.OverflowContentObject {
		if !json.Valid(content) {
			return nil, types.NewError(types.ErrCodeInvalid, "overflow file does not hold valid JSON: "+ref.Content)
		}
		return json.RawMessage(content), nil
	}

	quoted, err := json.Marshal(string(content))
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to re-encode overflow string", err)
	}
	return quoted, nil
}

// restore reads the referenced file and removes it. Removal is best-effort.
func (c *Codec) restore(ref types.OverflowFile) ([]byte, error) {
	content, err := c.fs.ReadFile(ref.Content)
	if err != nil {
		code := types.ErrCodeInternal
		if os.IsNotExist(err) {
			code = types.ErrCodeNotFound
		}
		return nil, types.WrapError(code, "failed to read overflow file "+ref.Content, err)
	}

	if err := c.fs.Remove(ref.Content); err != nil {
		c.logger.Debug("Failed to remove overflow file", "path", ref.Content, "error", err)
	}

	metrics.Restored.WithLabelValues(ref.ContentType).Inc()
	return content, nil
}

// WriteMessageFile writes content to a new uniquely named file in the codec
// directory and returns its path.
func (c *Codec) WriteMessageFile(content string) (string, error) {
	path := filepath.Join(c.dir, c.newID())
	if err := c.fs.WriteFile(path, []byte(content), fileMode); err != nil {
		return "", types.WrapError(types.ErrCodeInternal, "failed to write overflow file "+path, err)
	}
	return path, nil
}

// AsOverflow reports whether v is an overflow envelope and returns it
func AsOverflow(v any) (types.OverflowFile, bool) {
	switch t := v.(type) {
	case types.OverflowFile:
		return t, t.IsFile()
	case *types.OverflowFile:
		if t == nil {
			return types.OverflowFile{}, false
		}
		return *t, t.IsFile()
	case map[string]any:
		return fromMap(t)
	case json.RawMessage:
		return fromRaw(t)
	default:
		return types.OverflowFile{}, false
	}
}

func fromMap(m map[string]any) (types.OverflowFile, bool) {
	marker, _ := m["__yzb_process_message_type"].(string)
	if marker != types.OverflowMarkerFile {
		return types.OverflowFile{}, false
	}
	contentType, _ := m["__yzb_process_message_content_type"].(string)
	content, _ := m["__yzb_process_message_content"].(string)
	return types.OverflowFile{
		Marker:      marker,
		ContentType: contentType,
		Content:     content,
	}, true
}

var markerKey = []byte(`"__yzb_process_message_type"`)

func fromRaw(raw json.RawMessage) (types.OverflowFile, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || !bytes.Contains(trimmed, markerKey) {
		return types.OverflowFile{}, false
	}

	var ref types.OverflowFile
	if err := json.Unmarshal(trimmed, &ref); err != nil {
		return types.OverflowFile{}, false
	}
	return ref, ref.IsFile()
}
