package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/strideapp/localinfer/api"
	"github.com/strideapp/localinfer/discover"
	"github.com/strideapp/localinfer/envconfig"
	"github.com/strideapp/localinfer/format"
	"github.com/strideapp/localinfer/progress"
	"github.com/strideapp/localinfer/registry"
	"github.com/strideapp/localinfer/runner"
	"github.com/strideapp/localinfer/version"
)

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	root := &cobra.Command{
		Use:           "localinfer",
		Short:         "On-device transformer inference",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.PersistentFlags().String("base-url", "", "Base URL for model files (defaults to the manifest's directory)")
	root.PersistentFlags().String("backend", "", "Preferred backend: gpu, simd-cpu, basic-cpu")

	root.AddCommand(
		detectCmd(),
		pullCmd(),
		runCmd(),
		translateCmd(),
	)
	return root
}

func detectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Probe host capabilities and show the selected backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caps := discover.Detect(cmd.Context())

			fmt.Printf("gpu:     %v\n", caps.GPU)
			fmt.Printf("simd:    %v\n", caps.SIMD)
			fmt.Printf("threads: %v\n", caps.Threads)
			if caps.TotalMemory > 0 {
				fmt.Printf("memory:  %s\n", format.HumanBytes2(caps.TotalMemory))
			}

			preferred, _ := cmd.Flags().GetString("backend")
			if preferred == "" {
				preferred = envconfig.Backend
			}
			selected := discover.SelectBackend(caps, discover.Backend(preferred), 0)
			fmt.Printf("backend: %s\n", selected)
			return nil
		},
	}
}

func pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull MANIFEST",
		Short: "Download a model's files into the local cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, baseURL, err := resolveManifest(cmd, args[0])
			if err != nil {
				return err
			}

			client, err := newRegistryClient()
			if err != nil {
				return err
			}

			bar := progress.NewStderrBar()
			defer bar.Stop()

			_, err = client.LoadModelFiles(cmd.Context(), m, registry.Options{
				BaseURL:  baseURL,
				Verify:   !envconfig.NoVerify,
				Resume:   true,
				Progress: bar.Update,
			})
			return err
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run MANIFEST",
		Short: "Generate text with a decoder-only model",
		Args:  cobra.ExactArgs(1),
		RunE:  generateHandler,
	}
	generateFlags(cmd)
	return cmd
}

func translateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "translate MANIFEST",
		Short: "Translate text with an encoder-decoder model",
		Args:  cobra.ExactArgs(1),
		RunE:  generateHandler,
	}
	generateFlags(cmd)
	cmd.Flags().String("lang", "", "Target language marker token, e.g. \">>fr<<\"")
	return cmd
}

func generateFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("prompt", "p", "", "Input text (reads stdin when omitted)")
	cmd.Flags().Int("max-tokens", 0, "Maximum new tokens to generate")
	cmd.Flags().Float32("temperature", 0, "Sampling temperature (0 is greedy)")
	cmd.Flags().Int("top-k", 0, "Keep only the k highest logits")
	cmd.Flags().Float32("top-p", 0, "Nucleus sampling probability mass")
	cmd.Flags().Float32("min-p", 0, "Minimum probability relative to the best token")
	cmd.Flags().Float32("repeat-penalty", 0, "Penalty for tokens already generated")
	cmd.Flags().Int("no-repeat-ngram", 0, "Forbid repeating n-grams of this size")
	cmd.Flags().StringArray("stop", nil, "Stop sequence (repeatable)")
	cmd.Flags().Int("seed", 0, "Random seed for reproducible sampling")
	cmd.Flags().Bool("verbose", false, "Print timing statistics after generation")
}

func generateHandler(cmd *cobra.Command, args []string) error {
	req, err := requestFromFlags(cmd)
	if err != nil {
		return err
	}

	m, baseURL, err := resolveManifest(cmd, args[0])
	if err != nil {
		return err
	}

	client, err := newRegistryClient()
	if err != nil {
		return err
	}

	preferred, _ := cmd.Flags().GetString("backend")
	bar := progress.NewStderrBar()
	pipeline, err := runner.Load(cmd.Context(), runner.LoadOptions{
		Manifest:  m,
		Client:    client,
		Preferred: discover.Backend(preferred),
		Download: registry.Options{
			BaseURL:  baseURL,
			Verify:   !envconfig.NoVerify,
			Resume:   true,
			Progress: bar.Update,
		},
	})
	bar.Stop()
	if err != nil {
		return err
	}
	defer pipeline.Dispose()

	resp, err := pipeline.GenerateWithCallback(cmd.Context(), req, func(ev api.TokenEvent) {
		fmt.Print(ev.Text)
	})
	fmt.Println()
	if err != nil {
		// interrupt is a terminal outcome, not a failure
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		fmt.Fprintf(os.Stderr, "tokens: %d, %.1f tokens/s, load %s\n",
			resp.TokensGenerated, resp.TokensPerSecond(), resp.LoadDuration)
	}

	return nil
}

func requestFromFlags(cmd *cobra.Command) (api.GenerateRequest, error) {
	var req api.GenerateRequest

	prompt, _ := cmd.Flags().GetString("prompt")
	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return req, err
		}
		prompt = strings.TrimRight(string(data), "\n")
	}
	if prompt == "" {
		return req, errors.New("no input text: pass --prompt or pipe stdin")
	}
	req.Prompt = prompt

	req.MaxNewTokens, _ = cmd.Flags().GetInt("max-tokens")
	req.TopK, _ = cmd.Flags().GetInt("top-k")
	req.MinP, _ = cmd.Flags().GetFloat32("min-p")
	req.RepetitionPenalty, _ = cmd.Flags().GetFloat32("repeat-penalty")
	req.NoRepeatNGram, _ = cmd.Flags().GetInt("no-repeat-ngram")
	req.Stop, _ = cmd.Flags().GetStringArray("stop")
	req.Seed, _ = cmd.Flags().GetInt("seed")

	if cmd.Flags().Changed("temperature") {
		t, _ := cmd.Flags().GetFloat32("temperature")
		req.Temperature = &t
	}
	if cmd.Flags().Changed("top-p") {
		p, _ := cmd.Flags().GetFloat32("top-p")
		req.TopP = &p
	}
	if cmd.Flags().Lookup("lang") != nil {
		req.TargetLanguage, _ = cmd.Flags().GetString("lang")
	}

	return req, nil
}

func newRegistryClient() (*registry.Client, error) {
	cache, err := registry.NewCache(envconfig.Models)
	if err != nil {
		return nil, err
	}
	return registry.NewClient(cache), nil
}

// resolveManifest loads a manifest from an HTTP URL or a local path and
// derives the base URL its files are fetched from.
func resolveManifest(cmd *cobra.Command, source string) (*registry.Manifest, string, error) {
	baseURL, _ := cmd.Flags().GetString("base-url")

	var data []byte
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, source, nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("fetching manifest: unexpected status %d", resp.StatusCode)
		}
		if data, err = io.ReadAll(resp.Body); err != nil {
			return nil, "", err
		}

		if baseURL == "" {
			u, err := url.Parse(source)
			if err != nil {
				return nil, "", err
			}
			u.Path = u.Path[:strings.LastIndex(u.Path, "/")+1]
			u.RawQuery = ""
			baseURL = u.String()
		}
	default:
		var err error
		if data, err = os.ReadFile(source); err != nil {
			return nil, "", err
		}
		if baseURL == "" {
			return nil, "", errors.New("--base-url is required with a local manifest file")
		}
	}

	m, err := registry.ParseManifest(data)
	if err != nil {
		return nil, "", err
	}
	return m, baseURL, nil
}
