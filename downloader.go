package nllbserve

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"

	"github.com/kelen-ai/nllbserve/util/fileutil"
)

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	AuthToken             string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
}

// NewDownloadOptions creates a DownloadOptions struct with default values.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

// tokenizer artifacts accepted by the runtime, any one of them makes a
// repository servable
var tokenizerFileNames = []string{
	"tokenizer.json",
	"sentencepiece.bpe.model",
	"source.spm",
	"target.spm",
}

// auxiliary files downloaded when present
var auxiliaryFileNames = []string{
	"config.json",
	"generation_config.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"shared_vocabulary.txt",
	"vocab.json",
}

// DownloadModel downloads a seq2seq translation checkpoint from a
// huggingface repository into destination. The repository must contain
// encoder and decoder onnx graphs plus a tokenizer artifact, anything else
// cannot be served. Returns the local model path.
func DownloadModel(modelName string, destination string, options DownloadOptions) (string, error) {
	modelP := modelName
	if strings.Contains(modelP, ":") {
		modelP = strings.Split(modelName, ":")[0]
	}
	modelPath := path.Join(destination, strings.ReplaceAll(modelP, "/", "_"))

	repo := hub.New(modelName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	downloadFiles, err := validateTranslationRepo(repo, options)
	if err != nil {
		return "", err
	}

	for i := 0; i < options.MaxRetries; i++ {
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			if options.Verbose {
				fmt.Printf("Warning: attempt %d / %d failed, error: %s\n", i+1, options.MaxRetries, downloadErr)
			}
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			copyErr := fileutil.CopyFile(truePath, fmt.Sprintf("%s/%s", modelPath, path.Base(downloadFiles[j])))
			if copyErr != nil {
				return "", copyErr
			}
		}

		if options.Verbose {
			fmt.Printf("\nDownload of %s completed successfully\n", modelName)
		}
		return modelPath, nil
	}

	return "", fmt.Errorf("failed to download %s after %d attempts", modelName, options.MaxRetries)
}

// validateTranslationRepo lists the repository and checks it holds a
// servable encoder-decoder checkpoint before any weights are fetched.
func validateTranslationRepo(repo *hub.Repo, options DownloadOptions) ([]string, error) {
	for i := 0; i < options.MaxRetries; i++ {
		err := repo.DownloadInfo(false)
		if err != nil {
			if options.Verbose {
				fmt.Printf("Warning: list repo attempt %d / %d failed, error: %s\n", i+1, options.MaxRetries, err)
			}
			if i+1 == options.MaxRetries {
				return nil, err
			}
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
		}
	}

	var toDownload []string
	hasTokenizer := false
	hasEncoder := false
	hasDecoder := false

	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}

		baseFileName := filepath.Base(fileName)
		switch {
		case slices.Contains(tokenizerFileNames, baseFileName):
			hasTokenizer = true
			toDownload = append(toDownload, fileName)
		case slices.Contains(auxiliaryFileNames, baseFileName):
			toDownload = append(toDownload, fileName)
		case filepath.Ext(baseFileName) == ".onnx":
			if strings.HasPrefix(baseFileName, "encoder") {
				hasEncoder = true
			}
			if strings.HasPrefix(baseFileName, "decoder") {
				hasDecoder = true
			}
			toDownload = append(toDownload, fileName)
		}
	}

	var errs []error
	if !hasEncoder || !hasDecoder {
		errs = append(errs, errors.New("repository does not contain encoder and decoder .onnx files"))
	}
	if !hasTokenizer {
		errs = append(errs, fmt.Errorf("repository does not contain a tokenizer artifact (one of %s)", strings.Join(tokenizerFileNames, ", ")))
	}
	return toDownload, errors.Join(errs...)
}
