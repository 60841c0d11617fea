// File: cmd/classify.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/plantscan/internal/classifier"
	"github.com/xkilldash9x/plantscan/internal/config"
	"github.com/xkilldash9x/plantscan/internal/observability"
	"github.com/xkilldash9x/plantscan/internal/server"
)

// newClassifyCmd creates the `classify` command for an image URL or a local file.
func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <image-url|file>",
		Short: "Classify an image URL or upload a local image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runClassify(ctx, observability.GetLogger(), cfg.Classifier(), args[0], cmd.OutOrStdout())
		},
	}
}

// runClassify sends http(s) references as imageUrl and uploads anything else
// as a local file, then prints the predictions with their risk level.
func runClassify(ctx context.Context, logger *zap.Logger, cfg config.ClassifierConfig, ref string, w io.Writer, opts ...classifier.ClientOption) error {
	client, err := classifier.NewClient(cfg, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize classifier client: %w", err)
	}

	var result classifier.Result
	if isRemote(ref) {
		req, err := classifier.NewRequest(ref)
		if err != nil {
			return err
		}
		result, err = client.Classify(ctx, req)
		if err != nil {
			return fmt.Errorf("classification failed: %w", err)
		}
	} else {
		result, err = uploadLocal(ctx, client, ref)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(server.DetectResponse{
		Success: true,
		Data: server.DetectData{
			AIResult: result,
			Risk:     classifier.AssessRisk(result),
		},
	})
}

func isRemote(ref string) bool {
	lower := strings.ToLower(strings.TrimSpace(ref))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// uploadLocal accepts a plain path or a file:// URI.
func uploadLocal(ctx context.Context, client *classifier.Client, ref string) (classifier.Result, error) {
	path := ref
	if strings.HasPrefix(strings.ToLower(ref), "file:") {
		req, err := classifier.NewRequest(ref)
		if err != nil {
			return nil, err
		}
		path = req.LocalPath()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	result, err := client.ClassifyImage(ctx, filepath.Base(path), f)
	if err != nil {
		return nil, fmt.Errorf("classification failed: %w", err)
	}
	return result, nil
}
