package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/overhage/taxis/internal/blob"
	"github.com/overhage/taxis/internal/continuation"
	"github.com/overhage/taxis/internal/model"
	"github.com/overhage/taxis/internal/rows"
)

const (
	contentTypeCSV  = "text/csv"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	uploadUser    string
	uploadTrigger bool
)

// contentTypeFor picks the upload content type from the file extension.
func contentTypeFor(filename string) string {
	if strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		return contentTypeXLSX
	}
	return contentTypeCSV
}

// uploadResult is printed after a successful upload.
type uploadResult struct {
	Upload *model.UploadedFile `json:"upload"`
	Job    *model.Job          `json:"job"`
	Rows   int                 `json:"rows"`
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Store a spreadsheet and queue a job for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := args[0]

		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "read %s", path)
		}
		filename := filepath.Base(path)
		contentType := contentTypeFor(filename)

		decoded, err := rows.Decode(filename, contentType, data)
		if err != nil {
			return eris.Wrapf(err, "decode %s", filename)
		}

		env, err := initAdmin(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		now := time.Now().UTC()
		up := &model.UploadedFile{
			ID:          uuid.NewString(),
			Filename:    filename,
			ContentType: contentType,
			SizeBytes:   int64(len(data)),
			CreatedAt:   now,
		}
		if uploadUser != "" {
			user := uploadUser
			up.UserID = &user
		}
		up.Locator = blob.UploadKey(up.ID, filename)

		if err := env.Blobs.Put(ctx, up.Locator, data, contentType); err != nil {
			return eris.Wrap(err, "store upload blob")
		}
		if err := env.Store.CreateUpload(ctx, up); err != nil {
			return eris.Wrap(err, "create upload")
		}

		job := &model.Job{
			ID:        uuid.NewString(),
			UploadID:  up.ID,
			Status:    model.JobStatusQueued,
			CreatedAt: now,
		}
		if err := env.Store.CreateJob(ctx, job); err != nil {
			return eris.Wrap(err, "create job")
		}

		zap.L().Info("upload queued",
			zap.String("upload_id", up.ID),
			zap.String("job_id", job.ID),
			zap.Int("rows", len(decoded)),
		)

		if uploadTrigger {
			sink, err := continuation.New(cfg.Continuation)
			if err != nil {
				return err
			}
			if c, ok := sink.(io.Closer); ok {
				defer c.Close()
			}
			if err := sink.Continue(ctx, job.ID); err != nil {
				zap.L().Warn("trigger first slice failed; the watchdog will pick the job up",
					zap.String("job_id", job.ID), zap.Error(err))
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(uploadResult{Upload: up, Job: job, Rows: len(decoded)})
	},
}

func init() {
	uploadCmd.Flags().StringVar(&uploadUser, "user", "", "id of the uploading user")
	uploadCmd.Flags().BoolVar(&uploadTrigger, "trigger", false, "trigger the first slice through the continuation sink")
	rootCmd.AddCommand(uploadCmd)
}
