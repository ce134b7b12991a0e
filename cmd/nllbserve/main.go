package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/kelen-ai/nllbserve"
	"github.com/kelen-ai/nllbserve/options"
	"github.com/kelen-ai/nllbserve/pipelines"
	"github.com/kelen-ai/nllbserve/server"
	"github.com/kelen-ai/nllbserve/util/fileutil"
)

const version = "0.2.0"

var (
	modelPath         string
	modelName         string
	modelsDir         string
	sharedLibraryPath string
	httpPort          int
	sourceLanguage    string
	targetLanguage    string
	keepCase          bool
	splicedTargetTag  bool
	beamSize          int
	maxBatchSize      int
	maxNewTokens      int
	inputPath         string
	outputPath        string
	batchSize         int
	authToken         string
)

func modelFlags() []cli.Flag {
	return dedupeFlags([]cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Model name or path to the model directory",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "model_name",
			Usage:       "Name under which the model is registered",
			Destination: &modelName,
			Value:       "model",
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where downloaded models are stored. Falls back to $HOME/nllbserve/models",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to onnxruntime.so, only used by ORT builds",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.StringFlag{
			Name:        "sourceLanguage",
			Usage:       "Source language control token",
			Destination: &sourceLanguage,
			Value:       "dyu_Latn",
		},
		&cli.StringFlag{
			Name:        "targetLanguage",
			Usage:       "Target language control token",
			Destination: &targetLanguage,
			Value:       "fra_Latn",
		},
		&cli.BoolFlag{
			Name:        "keepCase",
			Usage:       "Skip lowercasing of inputs",
			Destination: &keepCase,
		},
		&cli.BoolFlag{
			Name:        "splicedTargetTag",
			Usage:       "Append the target language tag to the encoder sequence instead of forcing a decoder prefix",
			Destination: &splicedTargetTag,
		},
		&cli.IntFlag{
			Name:        "beamSize",
			Usage:       "Beam width for decoding",
			Destination: &beamSize,
			Value:       1,
		},
		&cli.IntFlag{
			Name:        "maxBatchSize",
			Usage:       "Maximum number of tokens per translator run",
			Destination: &maxBatchSize,
			Value:       256,
		},
		&cli.IntFlag{
			Name:        "maxNewTokens",
			Usage:       "Maximum generated tokens per translation",
			Destination: &maxNewTokens,
			Value:       256,
		},
	})
}

// dedupeFlags drops flags whose primary name was already seen. Commands
// assemble their flag lists from shared groups, a name colliding across
// groups must not break startup.
func dedupeFlags(flags []cli.Flag) []cli.Flag {
	seen := map[string]bool{}
	deduped := make([]cli.Flag, 0, len(flags))
	for _, flag := range flags {
		names := flag.Names()
		if len(names) > 0 && seen[names[0]] {
			continue
		}
		if len(names) > 0 {
			seen[names[0]] = true
		}
		deduped = append(deduped, flag)
	}
	return deduped
}

func pipelineOptions() []pipelines.TranslationOption {
	opts := []pipelines.TranslationOption{
		pipelines.WithSourceLanguage(sourceLanguage),
		pipelines.WithTargetLanguage(targetLanguage),
		pipelines.WithLowercase(!keepCase),
		pipelines.WithBeamSize(beamSize),
		pipelines.WithMaxBatchSize(maxBatchSize),
		pipelines.WithMaxDecodingLength(maxNewTokens),
	}
	if splicedTargetTag {
		opts = append(opts, pipelines.WithSplicedTargetTag())
	}
	return opts
}

func sessionOptions() []options.WithOption {
	var opts []options.WithOption
	if sharedLibraryPath != "" {
		opts = append(opts, options.WithOnnxLibraryPath(sharedLibraryPath))
	}
	return opts
}

// resolveModelPath resolves --model: an existing path wins, then a
// previously downloaded copy under the model folder, otherwise the model
// is downloaded from the hub.
func resolveModelPath(ctx context.Context) (string, error) {
	if modelsDir == "" {
		userDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		modelsDir = fileutil.PathJoinSafe(userDir, "nllbserve", "models")
	}

	ok, err := fileutil.FileExists(modelPath)
	if err != nil {
		return "", err
	}
	if ok {
		return modelPath, nil
	}

	downloadedModelName := strings.ReplaceAll(modelPath, "/", "_")
	downloadedModelPath := fileutil.PathJoinSafe(modelsDir, downloadedModelName)
	ok, err = fileutil.FileExists(downloadedModelPath)
	if err != nil {
		return "", err
	}
	if ok {
		return downloadedModelPath, nil
	}

	if strings.Contains(modelPath, ":") {
		return "", fmt.Errorf("filters with : are currently not supported")
	}
	if err := fileutil.CreateDir(modelsDir); err != nil {
		return "", err
	}
	downloadOptions := nllbserve.NewDownloadOptions()
	downloadOptions.AuthToken = authToken
	return nllbserve.DownloadModel(modelPath, modelsDir, downloadOptions)
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Serve a translation model over the open inference protocol",
	Description: `Serve loads a translation model and exposes it over the open inference protocol v2 REST surface.
The server starts immediately and reports the model not ready until loading finishes. A model that
fails to load stays registered and answers 503 so orchestrators can retry or replace the pod.`,
	Flags: dedupeFlags(append(modelFlags(),
		&cli.IntFlag{
			Name:        "port",
			Usage:       "HTTP listen port",
			Destination: &httpPort,
			Value:       8080,
		},
	)),
	Action: func(cliCtx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		session, err := nllbserve.NewSession(sessionOptions()...)
		if err != nil {
			return err
		}
		defer func() {
			if destroyErr := session.Destroy(); destroyErr != nil {
				log.Error().Err(destroyErr).Msg("destroying session")
			}
		}()

		model := nllbserve.NewServedModel(modelName)
		srv := server.New("nllbserve", version)
		srv.RegisterModel(model)

		resolvedPath, err := resolveModelPath(ctx)
		if err != nil {
			log.Error().Err(err).Str("model", modelName).Msg("model path could not be resolved, serving as not ready")
		} else if loadErr := model.Load(session, resolvedPath, pipelineOptions()...); loadErr != nil {
			log.Error().Err(loadErr).Str("model", modelName).Msg("model failed to load, serving as not ready")
		} else {
			log.Info().Str("model", modelName).Str("path", resolvedPath).Msg("model loaded")
		}

		return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", httpPort))
	},
}

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download a translation model from huggingface",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Huggingface repository name",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Destination folder. Falls back to $HOME/nllbserve/models",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
		&cli.StringFlag{
			Name:        "token",
			Usage:       "Huggingface auth token for gated repositories",
			Destination: &authToken,
		},
	},
	Action: func(cliCtx *cli.Context) error {
		if modelsDir == "" {
			userDir, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			modelsDir = fileutil.PathJoinSafe(userDir, "nllbserve", "models")
		}
		if err := fileutil.CreateDir(modelsDir); err != nil {
			return err
		}
		downloadOptions := nllbserve.NewDownloadOptions()
		downloadOptions.AuthToken = authToken
		downloadOptions.Verbose = true
		downloadedPath, err := nllbserve.DownloadModel(modelPath, modelsDir, downloadOptions)
		if err != nil {
			return err
		}
		fmt.Printf("downloaded %s to %s\n", modelPath, downloadedPath)
		return nil
	},
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Translate input data offline",
	Description: `Run expects input in .jsonl format. Each json line must be of the format {"input": "text to translate"}.
If --input is omitted the input is read from stdin, if --output is omitted results go to stdout.`,
	Flags: dedupeFlags(append(modelFlags(),
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to a .jsonl file or a folder with .jsonl files",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to a folder where to write the output",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of inputs to translate in a batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       20,
		},
	)),
	Action: func(cliCtx *cli.Context) (err error) {
		session, sessionErr := nllbserve.NewSession(sessionOptions()...)
		if sessionErr != nil {
			return sessionErr
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		resolvedPath, err := resolveModelPath(cliCtx.Context)
		if err != nil {
			return err
		}

		pipeline, err := session.NewTranslationPipeline(resolvedPath, pipelines.TranslationConfig{
			Name:    "cliPipeline",
			Options: pipelineOptions(),
		})
		if err != nil {
			return err
		}

		inputChannel := make(chan []input, 1000)
		processedChannel := make(chan []byte, 1000)
		errorsChannel := make(chan error, 1000)
		var processedWg, writeWg sync.WaitGroup

		processedWg.Add(1)
		go translateWorker(cliCtx.Context, &processedWg, inputChannel, processedChannel, errorsChannel, pipeline)

		var writer io.WriteCloser
		if outputPath != "" {
			dest := fileutil.PathJoinSafe(outputPath, "result-0.jsonl")
			writer, err = fileutil.NewWriter(dest)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, writer.Close())
			}()
		} else {
			writer = os.Stdout
		}

		writeWg.Add(1)
		go writeOutputs(&writeWg, processedChannel, errorsChannel, writer)

		if readErr := feedInputs(cliCtx.Context, inputChannel); readErr != nil {
			close(inputChannel)
			return readErr
		}

		close(inputChannel)
		processedWg.Wait()
		close(processedChannel)
		close(errorsChannel)
		writeWg.Wait()
		return err
	},
}

func feedInputs(ctx context.Context, inputChannel chan []input) error {
	exists, err := fileutil.FileExists(inputPath)
	if err != nil {
		return err
	}
	exists = inputPath != "" && exists

	if exists {
		fileWalker := func(ctx context.Context, baseURL, parent string, info os.FileInfo, reader io.Reader) (bool, error) {
			if filepath.Ext(info.Name()) == ".jsonl" {
				if err := readInputs(reader, inputChannel); err != nil {
					return false, err
				}
			}
			return true, nil
		}
		return fileutil.Walk(ctx, inputPath, fileWalker)
	}

	if inputPath != "" {
		return fmt.Errorf("file %s does not exist", inputPath)
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return readInputs(os.Stdin, inputChannel)
	}
	return nil
}

func readInputs(inputSource io.Reader, inputChannel chan []input) error {
	inputBatch := make([]input, 0, batchSize)

	scanner := bufio.NewScanner(inputSource)
	for scanner.Scan() {
		var line input
		if err := jsoniter.Unmarshal(scanner.Bytes(), &line); err != nil {
			return err
		}
		inputBatch = append(inputBatch, line)
		if len(inputBatch) == batchSize {
			inputChannel <- inputBatch
			inputBatch = []input{}
		}
	}
	if len(inputBatch) > 0 {
		inputChannel <- inputBatch
	}
	return scanner.Err()
}

func translateWorker(ctx context.Context, wg *sync.WaitGroup, inputChannel chan []input, processedChannel chan []byte, errorsChannel chan error, pipeline *pipelines.TranslationPipeline) {
	defer wg.Done()
	for inputBatch := range inputChannel {
		inputStrings := make([]string, len(inputBatch))
		for i := range inputBatch {
			inputStrings[i] = inputBatch[i].Input
		}
		output, err := pipeline.Run(ctx, inputStrings)
		if err != nil {
			errorsChannel <- err
			continue
		}
		for i, translation := range output.Translations {
			out := inputBatch[i]
			out.Output = translation
			outputBytes, marshalErr := jsoniter.Marshal(out)
			if marshalErr != nil {
				errorsChannel <- marshalErr
				continue
			}
			processedChannel <- outputBytes
		}
	}
}

func writeOutputs(wg *sync.WaitGroup, processedChannel chan []byte, errorChannel chan error, writeTarget io.Writer) {
	defer wg.Done()
	for processedChannel != nil || errorChannel != nil {
		select {
		case output, ok := <-processedChannel:
			if !ok {
				processedChannel = nil
				continue
			}
			if _, err := writeTarget.Write(append(output, '\n')); err != nil {
				panic(err)
			}
		case err, ok := <-errorChannel:
			if !ok {
				errorChannel = nil
				continue
			}
			if err != nil {
				if _, writeErr := os.Stderr.WriteString(err.Error() + "\n"); writeErr != nil {
					panic(writeErr)
				}
			}
		}
	}
}

type input struct {
	Input  string `json:"input"`
	Output any    `json:"output,omitempty"`
}

func main() {
	app := &cli.App{
		Name:    "nllbserve",
		Usage:   "Serve and run NLLB translation models",
		Version: version,
		Commands: []*cli.Command{
			serveCommand,
			runCommand,
			downloadCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}
