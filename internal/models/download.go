package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/aidispatch/dispatcher/internal/catalog"
)

// progressFlushInterval bounds how often OnFileProgress fires during a
// chunk loop, mirroring the threshold-based flush in
// pkg/distribution/internal/progress.Reporter (there 100ms/1MB; here the
// 500ms bound SPEC_FULL.md §4.5 names explicitly).
const progressFlushInterval = 500 * time.Millisecond

// chunkSize is the fixed read size for the download's chunk loop.
const chunkSize = 32 * 1024

// ErrCancelled is returned internally when a download job observes its
// cancel flag; callers see it surfaced through OnError as the job's cause.
var ErrCancelled = errors.New("models: download cancelled")

// job tracks one in-flight or paused download.
type job struct {
	id         string
	def        catalog.Definition
	httpClient *http.Client
	modelDir   string
	listener   *multiListener

	cancelled atomic.Bool
	paused    atomic.Bool
	done      chan struct{}
	err       error
}

func newJob(id string, def catalog.Definition, modelDir string, httpClient *http.Client) *job {
	return &job{
		id:         id,
		def:        def,
		httpClient: httpClient,
		modelDir:   modelDir,
		listener:   &multiListener{},
		done:       make(chan struct{}),
	}
}

// Wait blocks until the job reaches a terminal state, returning its error
// (nil on success).
func (j *job) Wait() error {
	<-j.done
	return j.err
}

// Cancel flips the job's cancel flag; the writer loop observes it between
// chunks per SPEC_FULL.md §4.5 Cancellation.
func (j *job) Cancel() { j.cancelled.Store(true) }

// Pause flips the job's pause flag; the chunk loop sleep-spins until
// unpaused or cancelled.
func (j *job) Pause() { j.paused.Store(true) }

// Resume clears the pause flag.
func (j *job) Resume() { j.paused.Store(false) }

func (j *job) finish(err error) {
	j.err = err
	close(j.done)
}

// run executes the download protocol of SPEC_FULL.md §4.5 for every file in
// j.def, in order, reporting through j.listener.
func (j *job) run(ctx context.Context) {
	j.listener.OnStart(j.id)

	if err := os.MkdirAll(j.modelDir, 0o755); err != nil {
		j.listener.OnError(j.id, err, "")
		j.finish(err)
		return
	}

	for _, file := range j.def.Files {
		if file.FileName == "" {
			continue
		}
		if err := j.downloadFile(ctx, file); err != nil {
			j.listener.OnError(j.id, err, file.FileName)
			j.finish(err)
			return
		}
		j.listener.OnFileCompleted(j.id, file.FileName)
	}

	if err := j.validate(); err != nil {
		j.listener.OnError(j.id, err, "")
		j.finish(err)
		return
	}

	j.listener.OnCompleted(j.id)
	j.finish(nil)
}

// validate confirms every declared fileName exists on disk, per step 5 of
// the download protocol, and additionally verifies file.Digest when the
// manifest entry carries one.
func (j *job) validate() error {
	for _, file := range j.def.Files {
		if file.FileName == "" {
			continue
		}
		path := filepath.Join(j.modelDir, file.FileName)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("Validation failed: %s missing: %w", file.FileName, err)
		}
		if file.Digest != "" {
			if err := verifyDigest(path, file.Digest); err != nil {
				return fmt.Errorf("Validation failed: %s: %w", file.FileName, err)
			}
		}
	}
	return nil
}

// verifyDigest recomputes path's content digest and compares it against
// want (an OCI-style "sha256:..." reference), grounded on the teacher's
// OCI-adjacent distribution package which carries content addressed by the
// same digest type.
func verifyDigest(path, want string) error {
	wantDigest, err := digest.Parse(want)
	if err != nil {
		return fmt.Errorf("parsing expected digest %q: %w", want, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	verifier := wantDigest.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return fmt.Errorf("hashing: %w", err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("digest mismatch: expected %s", wantDigest)
	}
	return nil
}

func (j *job) downloadFile(ctx context.Context, file catalog.ModelFile) error {
	if len(file.URLs) == 0 {
		return fmt.Errorf("models: file %s declares no urls", file.FileName)
	}
	url := file.URLs[0] // first-winner, per SPEC_FULL.md §3 ModelFile

	finalPath := filepath.Join(j.modelDir, file.FileName)
	partPath := finalPath + ".part"

	if isOCIReference(url) {
		return j.downloadOCIBlob(url, finalPath, file.FileName)
	}

	var resumeFrom int64
	if info, err := os.Stat(partPath); err == nil {
		resumeFrom = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		resumeFrom = 0 // server ignored the range request; restart the file
	case http.StatusPartialContent:
		// resuming as requested
	default:
		return fmt.Errorf("models: unexpected status %d fetching %s", resp.StatusCode, url)
	}

	totalBytes := resp.ContentLength
	if totalBytes >= 0 {
		totalBytes += resumeFrom
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return err
	}

	if werr := j.copyChunks(resp.Body, out, resumeFrom, totalBytes, file.FileName); werr != nil {
		out.Close()
		if errors.Is(werr, ErrCancelled) {
			os.Remove(partPath)
		}
		return werr
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Rename(partPath, finalPath)
}

// downloadOCIBlob fetches file content from an OCI registry reference
// instead of a plain HTTPS URL. OCI blobs are content-addressed, so unlike
// downloadFile's Range-header resume they are always fetched in full; a
// previous .part is discarded.
func (j *job) downloadOCIBlob(ref, finalPath, fileName string) error {
	rc, size, err := openOCIBlob(ref)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(finalPath+".part", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if werr := j.copyChunks(rc, out, 0, size, fileName); werr != nil {
		out.Close()
		if errors.Is(werr, ErrCancelled) {
			os.Remove(finalPath + ".part")
		}
		return werr
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(finalPath+".part", finalPath)
}

// copyChunks reads src in chunkSize pieces, writing each to dst and
// reporting progress at most every progressFlushInterval, per SPEC_FULL.md
// §4.5 step 3.
func (j *job) copyChunks(src io.Reader, dst io.Writer, startOffset, totalBytes int64, fileName string) error {
	buf := make([]byte, chunkSize)
	downloaded := startOffset
	lastFlush := time.Now()
	lastDownloaded := downloaded

	for {
		if j.cancelled.Load() {
			return ErrCancelled
		}
		for j.paused.Load() {
			if j.cancelled.Load() {
				return ErrCancelled
			}
			time.Sleep(50 * time.Millisecond)
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			downloaded += int64(n)

			now := time.Now()
			if elapsed := now.Sub(lastFlush); elapsed >= progressFlushInterval {
				speed := float64(downloaded-lastDownloaded) / elapsed.Seconds()
				eta := -1.0
				if totalBytes > 0 && speed > 0 {
					eta = float64(totalBytes-downloaded) / speed
				}
				j.listener.OnFileProgress(j.id, fileName, downloaded, totalBytes, speed, eta)
				lastFlush = now
				lastDownloaded = downloaded
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				j.listener.OnFileProgress(j.id, fileName, downloaded, totalBytes, 0, 0)
				return nil
			}
			return readErr
		}
	}
}
