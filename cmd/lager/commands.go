/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/altairalabs/lager/pkg/keyname"
	"github.com/altairalabs/lager/pkg/storage"
)

const defaultURLExpiry = 10 * time.Minute

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "lager",
		Short: "Access cloud object storage by hierarchical name",
		Long: `lager stores and retrieves objects in S3, Aliyun OSS, Google Cloud Storage
or Azure Blob Storage. Objects are addressed by slash separated names such as
t1/a.jpg, resolved inside the configured server namespace.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (YAML)")
	flags.StringVar(&a.backend, "backend", "",
		fmt.Sprintf("storage backend, overrides the config file (%s)", strings.Join(a.registry.Names(), ", ")))
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, trace, info, warn, error)")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	flags.StringVar(&a.correlation, "correlation-id", "", "correlation ID attached to every log line of this run")

	root.AddCommand(
		newListCmd(a),
		newUploadCmd(a),
		newDownloadCmd(a),
		newDeleteCmd(a),
		newCopyCmd(a),
		newACLCmd(a),
		newInfoCmd(a),
		newURLCmd(a),
		newPublicURLCmd(a),
		newSelftestCmd(a),
	)
	return root
}

func newListCmd(a *app) *cobra.Command {
	var maxFiles int
	cmd := &cobra.Command{
		Use:   "list [prefix]",
		Short: "List object names under a prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := keyname.Name{}
			if len(args) == 1 {
				prefix = keyname.Parse(args[0])
			}
			out := cmd.OutOrStdout()
			for name, err := range a.store.ListFile(cmd.Context(), prefix, maxFiles) {
				if err != nil {
					return err
				}
				fmt.Fprintln(out, namePath(name))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxFiles, "max", 0, "stop after this many names (0 lists all)")
	return cmd
}

func newUploadCmd(a *app) *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "upload <name> <file>",
		Short: "Upload a file unless the name already exists",
		Long:  `Upload reads <file> ("-" for stdin) and stores it at <name>. Existing objects are never overwritten.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := storage.UploadOptions{ContentType: contentType}
			var r io.Reader = cmd.InOrStdin()
			if args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				if st, err := f.Stat(); err == nil {
					opts.Size = st.Size()
				}
				if opts.ContentType == "" {
					opts.ContentType = mime.TypeByExtension(filepath.Ext(args[1]))
				}
				r = f
			}
			ok, err := a.store.UploadFile(cmd.Context(), keyname.Parse(args[0]), r, opts)
			return printStatus(cmd, ok, err)
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (default guessed from the file extension)")
	return cmd
}

func newDownloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "download <name> [file]",
		Short: "Download an object to a file or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := keyname.Parse(args[0])
			if len(args) == 1 || args[1] == "-" {
				ok, err := a.store.DownloadFile(cmd.Context(), name, cmd.OutOrStdout())
				if err == nil && !ok {
					return fmt.Errorf("object %s not found", args[0])
				}
				return err
			}

			ok, err := downloadToFile(cmd, a.store, name, args[1])
			return printStatus(cmd, ok, err)
		},
	}
}

// downloadToFile writes the object to a temporary file next to path and
// renames it over path only when the object exists, so an absent object
// leaves an existing file untouched.
func downloadToFile(cmd *cobra.Command, store storage.Storage, name keyname.Name, path string) (bool, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return false, err
	}
	ok, err := store.DownloadFile(cmd.Context(), name, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil && ok {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil || !ok {
		_ = os.Remove(tmp.Name())
	}
	return ok, err
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.store.DeleteFile(cmd.Context(), keyname.Parse(args[0]))
			return printStatus(cmd, ok, err)
		},
	}
}

func newCopyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "copy <src> <dst>",
		Short: "Copy an object, overwriting the destination",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.store.CopyFile(cmd.Context(), keyname.Parse(args[0]), keyname.Parse(args[1]))
			return printStatus(cmd, ok, err)
		},
	}
}

func newACLCmd(a *app) *cobra.Command {
	var public bool
	cmd := &cobra.Command{
		Use:   "acl <name>",
		Short: "Make an object public-read or private",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.store.SetFileAccessControl(cmd.Context(), keyname.Parse(args[0]), public)
			return printStatus(cmd, ok, err)
		},
	}
	cmd.Flags().BoolVar(&public, "public", false, "grant public read access (default private)")
	return cmd
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Print object metadata as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.store.GetFileInfo(cmd.Context(), keyname.Parse(args[0]))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(info)
		},
	}
}

func newURLCmd(a *app) *cobra.Command {
	var (
		expires  time.Duration
		method   string
		signOnly bool
	)
	cmd := &cobra.Command{
		Use:   "url <name>",
		Short: "Print a signed download URL",
		Long: `Url signs a time limited URL for <name>. With --sign-only the URL is built by
the backend's signer, which needs no access to the bucket itself.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := keyname.Parse(args[0])

			if err := storage.CheckMethod(method); err != nil {
				return err
			}
			var (
				signed string
				err    error
			)
			if signOnly {
				var signer *storage.InstrumentedSignURL
				if signer, err = a.signURL(ctx); err != nil {
					return err
				}
				signed, err = signer.GenerateDownloadURL(ctx, name, expires)
			} else {
				signed, err = a.store.GenerateURL(ctx, name, expires, method)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&expires, "expires", defaultURLExpiry, "how long the URL stays valid")
	cmd.Flags().StringVar(&method, "method", storage.MethodGet, "HTTP method the URL is signed for")
	cmd.Flags().BoolVar(&signOnly, "sign-only", false, "sign with the backend signer instead of the storage client")
	return cmd
}

func newPublicURLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "public-url <name>",
		Short: "Print the unsigned public URL of an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := a.signURL(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signer.PublicDownloadURL(keyname.Parse(args[0])))
			return nil
		},
	}
}

// printStatus writes the boolean result of an operation.
func printStatus(cmd *cobra.Command, ok bool, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ok)
	return nil
}

func namePath(name keyname.Name) string {
	return strings.Join(name, keyname.Separator)
}
