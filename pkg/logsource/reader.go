// Package logsource lists and reads AWS log objects from local directories or
// S3 prefixes, yielding their lines lazily.
package logsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// maxLineBytes bounds a single log line; WAF records can run to tens of KiB.
const maxLineBytes = 4 << 20

// S3API is the subset of *s3.Client used by Reader.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Request selects the log objects to read. Its fields form the cache key when
// Lines is memoized.
type Request struct {
	// URL is file://<path> or s3://<bucket>/<prefix>.
	URL     string
	LogType LogType
	// FileSuffix filters object names; empty means LogType.DefaultSuffix().
	FileSuffix string
	// RegexFilter, when set, must match the object name.
	RegexFilter string
}

// Line is one raw record and where it came from.
type Line struct {
	Source string `json:"source"`
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Reader opens log objects. It holds no per-request state.
type Reader struct {
	s3     S3API
	logger zerolog.Logger
}

// NewReader creates a Reader. s3Client may be nil when only file:// URLs are read.
func NewReader(s3Client S3API, logger zerolog.Logger) *Reader {
	return &Reader{
		s3:     s3Client,
		logger: logger.With().Str("component", "LogReader").Logger(),
	}
}

// object is a readable log object.
type object struct {
	name string
	open func(ctx context.Context) (io.ReadCloser, error)
}

// Lines yields every record of every selected object, in object-name order.
// Blank lines and '#' header lines are skipped. The sequence does its I/O as
// it is consumed and is meant to be ranged over once.
func (r *Reader) Lines(ctx context.Context, req Request) iter.Seq2[Line, error] {
	return func(yield func(Line, error) bool) {
		match, err := newFilter(req)
		if err != nil {
			yield(Line{}, err)
			return
		}

		objects, err := r.objects(ctx, req.URL, match)
		if err != nil {
			yield(Line{}, err)
			return
		}

		for obj, err := range objects {
			if err != nil {
				yield(Line{}, err)
				return
			}
			if !r.readObject(ctx, obj, yield) {
				return
			}
		}
	}
}

// readObject yields the lines of one object and reports whether iteration
// should continue.
func (r *Reader) readObject(ctx context.Context, obj object, yield func(Line, error) bool) bool {
	rc, err := obj.open(ctx)
	if err != nil {
		return yield(Line{}, fmt.Errorf("failed to open %s: %w", obj.name, err))
	}
	defer func() { _ = rc.Close() }()

	var body io.Reader = rc
	if strings.HasSuffix(obj.name, ".gz") {
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return yield(Line{}, fmt.Errorf("failed to decompress %s: %w", obj.name, err))
		}
		defer func() { _ = gz.Close() }()
		body = gz
	}

	r.logger.Debug().Str("source", obj.name).Msg("Reading log object.")
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	number := 0
	for scanner.Scan() {
		number++
		text := scanner.Text()
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return yield(Line{}, err)
		}
		if !yield(Line{Source: obj.name, Number: number, Text: text}, nil) {
			return false
		}
	}
	if err := scanner.Err(); err != nil {
		return yield(Line{}, fmt.Errorf("failed to read %s: %w", obj.name, err))
	}
	return true
}

func newFilter(req Request) (func(name string) bool, error) {
	suffix := req.FileSuffix
	if suffix == "" {
		suffix = req.LogType.DefaultSuffix()
	}
	var re *regexp.Regexp
	if req.RegexFilter != "" {
		var err error
		if re, err = regexp.Compile(req.RegexFilter); err != nil {
			return nil, fmt.Errorf("invalid regex filter %q: %w", req.RegexFilter, err)
		}
	}
	return func(name string) bool {
		if !strings.HasSuffix(name, suffix) {
			return false
		}
		return re == nil || re.MatchString(name)
	}, nil
}

// ResolveURL makes a relative file:// URL absolute against the working
// directory, so the same logs map to one Request wherever the process starts.
// Other URLs are returned unchanged.
func ResolveURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid log url %q: %w", rawURL, err)
	}
	if u.Scheme != "file" {
		return rawURL, nil
	}
	abs, err := filepath.Abs(localPath(u))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", rawURL, err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// localPath is the filesystem path of a file:// URL. file://logs/cf is
// relative, so the host is the first path element.
func localPath(u *url.URL) string {
	return filepath.FromSlash(u.Host + u.Path)
}

func (r *Reader) objects(ctx context.Context, rawURL string, match func(string) bool) (iter.Seq2[object, error], error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid log url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "file":
		return localObjects(localPath(u), match), nil
	case "s3":
		if r.s3 == nil {
			return nil, errors.New("s3 url given but no S3 client is configured")
		}
		if u.Host == "" {
			return nil, fmt.Errorf("s3 url %q has no bucket", rawURL)
		}
		return r.s3Objects(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), match), nil
	default:
		return nil, fmt.Errorf("unsupported log url scheme %q", u.Scheme)
	}
}

func localObjects(root string, match func(string) bool) iter.Seq2[object, error] {
	return func(yield func(object, error) bool) {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !match(path) {
				return nil
			}
			obj := object{
				name: path,
				open: func(context.Context) (io.ReadCloser, error) { return os.Open(path) },
			}
			if !yield(obj, nil) {
				return fs.SkipAll
			}
			return nil
		})
		if err != nil {
			yield(object{}, fmt.Errorf("failed to walk %s: %w", root, err))
		}
	}
}

func (r *Reader) s3Objects(ctx context.Context, bucket, prefix string, match func(string) bool) iter.Seq2[object, error] {
	return func(yield func(object, error) bool) {
		paginator := s3.NewListObjectsV2Paginator(r.s3, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(object{}, fmt.Errorf("failed to list s3://%s/%s: %w", bucket, prefix, err))
				return
			}
			for _, item := range page.Contents {
				key := aws.ToString(item.Key)
				if !match(key) {
					continue
				}
				obj := object{
					name: "s3://" + bucket + "/" + key,
					open: func(ctx context.Context) (io.ReadCloser, error) {
						out, err := r.s3.GetObject(ctx, &s3.GetObjectInput{
							Bucket: aws.String(bucket),
							Key:    aws.String(key),
						})
						if err != nil {
							return nil, err
						}
						return out.Body, nil
					},
				}
				if !yield(obj, nil) {
					return
				}
			}
		}
	}
}
