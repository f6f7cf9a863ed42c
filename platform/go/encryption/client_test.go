package encryption

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func tempDocument(t *testing.T, content string) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "report.xlsx"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	_, err = f.WriteString(content)
	require.NoError(t, err)
	return f
}

func readAll(t *testing.T, f *os.File) string {
	t.Helper()
	_, err := f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(b)
}

func TestEncryptFileReplacesContents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "s3cret-password!", r.FormValue("password"))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		require.Equal(t, "report.xlsx", header.Filename)
		plain, err := io.ReadAll(file)
		require.NoError(t, err)
		require.Equal(t, "plain spreadsheet bytes", string(plain))
		_, _ = w.Write([]byte("enc"))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Logger: zaptest.NewLogger(t)})
	f := tempDocument(t, "plain spreadsheet bytes")

	require.NoError(t, client.EncryptFile(context.Background(), f, "s3cret-password!"))
	require.Equal(t, "enc", readAll(t, f))

	info, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(3), info.Size())
}

func TestEncryptFileRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		plain, err := io.ReadAll(file)
		require.NoError(t, err)
		require.Equal(t, "doc", string(plain))

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("encrypted document"))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Retries: 2, Logger: zaptest.NewLogger(t)})
	client.wait = time.Millisecond
	f := tempDocument(t, "doc")

	require.NoError(t, client.EncryptFile(context.Background(), f, "pw"))
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, "encrypted document", readAll(t, f))
}

func TestEncryptFileDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad password", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Retries: 3, Logger: zaptest.NewLogger(t)})
	f := tempDocument(t, "doc")

	err := client.EncryptFile(context.Background(), f, "pw")
	require.ErrorIs(t, err, ErrRejected)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, "doc", readAll(t, f))
}
