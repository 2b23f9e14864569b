package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"whaleflow/logger"
)

const (
	defaultArchiveFlush  = time.Minute
	defaultArchiveBuffer = 500
)

// S3Options configures the optional object-store destination for archived
// batches.
type S3Options struct {
	Enabled         bool
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// ArchiveOptions configures the parquet archive. At least one of LocalDir
// and S3 must be set.
type ArchiveOptions struct {
	LocalDir      string
	FlushInterval time.Duration
	MaxBuffer     int
	S3            S3Options
}

type archiveMemFile struct {
	buffer *bytes.Buffer
}

func newArchiveMemFile() *archiveMemFile {
	return &archiveMemFile{buffer: &bytes.Buffer{}}
}

func (m *archiveMemFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *archiveMemFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *archiveMemFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *archiveMemFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *archiveMemFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *archiveMemFile) Close() error                              { return nil }
func (m *archiveMemFile) Bytes() []byte                             { return m.buffer.Bytes() }

// archiveRecord is the parquet schema for archived sink records. Notional
// is stored as a double; the CSV keeps the exact decimal rendering.
type archiveRecord struct {
	Time        int64   `parquet:"name=time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Exchange    string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side        string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind        string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	NotionalUSD float64 `parquet:"name=notional_usd, type=DOUBLE"`
	EventCount  int32   `parquet:"name=event_count, type=INT32"`
	Tier        string  `parquet:"name=tier, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Archive batches sink records and periodically writes them out as
// snappy-compressed parquet, to a local directory, an S3 bucket, or both.
// It runs beside the CSV sink; losing an archive batch never affects the
// CSV trail.
type Archive struct {
	opts     ArchiveOptions
	s3Client *s3.Client

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	buffer []Record
}

// NewArchive validates options and, when S3 is enabled, builds the client
// from static credentials or the default chain.
func NewArchive(opts ArchiveOptions) (*Archive, error) {
	if opts.LocalDir == "" && !opts.S3.Enabled {
		return nil, fmt.Errorf("archive needs a local directory or an s3 bucket")
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultArchiveFlush
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = defaultArchiveBuffer
	}

	a := &Archive{
		opts: opts,
		wg:   &sync.WaitGroup{},
		log:  logger.GetLogger(),
	}

	if opts.S3.Enabled {
		if strings.TrimSpace(opts.S3.Bucket) == "" {
			return nil, fmt.Errorf("s3 bucket not configured")
		}
		loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.S3.Region)}
		if opts.S3.AccessKeyID != "" && opts.S3.SecretAccessKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(opts.S3.AccessKeyID, opts.S3.SecretAccessKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		a.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if opts.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.S3.Endpoint)
			}
			o.UsePathStyle = opts.S3.PathStyle
		})
	}

	return a, nil
}

// Start launches the flush worker.
func (a *Archive) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archive already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.buffer = a.buffer[:0]
	a.mu.Unlock()

	a.wg.Add(1)
	go a.flushWorker()

	a.log.WithComponent("archive").WithFields(logger.Fields{
		"local_dir":      a.opts.LocalDir,
		"s3_enabled":     a.opts.S3.Enabled,
		"flush_interval": a.opts.FlushInterval.String(),
	}).Info("archive started")
	return nil
}

// Stop flushes the remaining buffer and waits for the worker.
func (a *Archive) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	cancel()
	a.wg.Wait()
	a.flush("stop")
	a.log.WithComponent("archive").Info("archive stopped")
}

// Add buffers one record, flushing early when the buffer is full.
func (a *Archive) Add(rec Record) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.buffer = append(a.buffer, rec)
	full := len(a.buffer) >= a.opts.MaxBuffer
	a.mu.Unlock()

	if full {
		a.flush("buffer_full")
	}
}

func (a *Archive) flushWorker() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.flush("interval")
		}
	}
}

func (a *Archive) flush(reason string) {
	a.mu.Lock()
	if len(a.buffer) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.buffer
	a.buffer = nil
	a.mu.Unlock()

	log := a.log.WithComponent("archive").WithFields(logger.Fields{
		"records": len(batch),
		"reason":  reason,
	})

	data, err := buildParquet(batch)
	if err != nil {
		log.WithError(err).Error("failed to build archive parquet")
		return
	}

	name := archiveName(batch)
	if a.opts.LocalDir != "" {
		if err := a.writeLocal(name, data); err != nil {
			log.WithError(err).Error("failed to write local archive file")
		}
	}
	if a.s3Client != nil {
		if err := a.upload(name, data); err != nil {
			log.WithError(err).WithFields(logger.Fields{"s3_key": name}).Error("failed to upload archive batch")
		}
	}
	log.WithFields(logger.Fields{"bytes": len(data)}).Info("archive batch flushed")
}

func buildParquet(batch []Record) ([]byte, error) {
	mf := newArchiveMemFile()
	pw, err := writer.NewParquetWriter(mf, new(archiveRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range batch {
		notional, _ := rec.NotionalUSD.Float64()
		row := archiveRecord{
			Time:        rec.Time.UTC().UnixMilli(),
			Exchange:    strings.ToLower(rec.Exchange),
			Symbol:      strings.ToUpper(rec.Symbol),
			Side:        string(rec.Side),
			Kind:        string(rec.Kind),
			NotionalUSD: notional,
			EventCount:  int32(rec.EventCount),
			Tier:        rec.Tier.String(),
		}
		if err := pw.Write(row); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

func archiveName(batch []Record) string {
	latest := time.Time{}
	for _, rec := range batch {
		if rec.Time.After(latest) {
			latest = rec.Time
		}
	}
	if latest.IsZero() {
		latest = time.Now()
	}
	ts := latest.UTC()
	return filepath.ToSlash(filepath.Join(
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		fmt.Sprintf("events_%s.parquet", ts.Format("20060102150405")),
	))
}

func (a *Archive) writeLocal(name string, data []byte) error {
	path := filepath.Join(a.opts.LocalDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (a *Archive) upload(key string, data []byte) error {
	ctx := context.WithoutCancel(a.ctx)
	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.opts.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}
