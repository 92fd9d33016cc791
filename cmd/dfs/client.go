package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/internal/client"
	"github.com/adarschwarzbach/distributed-file-system/internal/config"
	"github.com/adarschwarzbach/distributed-file-system/pkg/bytesize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var uploadFileID string

func newClientCmds() []*cobra.Command {
	uploadCmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file and print its file id",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpload,
	}
	uploadCmd.Flags().StringVar(&uploadFileID, "file-id", "", "Use this file id instead of a generated one")

	downloadCmd := &cobra.Command{
		Use:   "download <file-id> <path>",
		Short: "Download a file",
		Args:  cobra.ExactArgs(2),
		RunE:  runDownload,
	}

	nodesCmd := &cobra.Command{
		Use:   "nodes",
		Short: "List registered storage nodes",
		RunE:  runNodes,
	}

	fileCmd := &cobra.Command{
		Use:   "file <file-id>",
		Short: "Show where the chunks of a file are stored",
		Args:  cobra.ExactArgs(1),
		RunE:  runFile,
	}

	cmds := []*cobra.Command{uploadCmd, downloadCmd, nodesCmd, fileCmd}
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&coordinatorAddr, "coordinator", "", "Coordinator address (overrides config)")
	}
	return cmds
}

func newClient() (*client.Client, error) {
	setupLogging()

	cfg := config.DefaultClientConfig()
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadClientConfig(cfgFile); err != nil {
			return nil, err
		}
	}
	if coordinatorAddr != "" {
		cfg.Coordinator = coordinatorAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return client.New(client.OptionsFromConfig(cfg), log.Logger)
}

func runUpload(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if _, err := c.ClientID(ctx); err != nil {
		log.Debug().Err(err).Msg("could not obtain client id")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	start := time.Now()
	result, err := c.Upload(ctx, f, uploadFileID)
	if err != nil {
		return err
	}

	fmt.Printf("Uploaded %s (%s in %d chunks, %s)\n",
		args[0], bytesize.Size(result.Size), len(result.Chunks), time.Since(start).Round(time.Millisecond))
	fmt.Printf("File ID: %s\n", result.FileID)
	return nil
}

func runDownload(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	start := time.Now()
	n, err := c.DownloadFile(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Downloaded %s to %s (%s, %s)\n", args[0], args[1], bytesize.Size(n), time.Since(start).Round(time.Millisecond))
	return nil
}

func runNodes(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	nodes, err := c.Nodes(cmd.Context())
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		fmt.Println("No storage nodes registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tADDRESS")
	for _, n := range nodes {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", n.ID, n.Address())
	}
	return w.Flush()
}

func runFile(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	chunks, err := c.FileData(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "INDEX\tCHUNK\tSIZE\tLOCATIONS")
	for _, ch := range chunks {
		holders := make([]string, len(ch.Locations))
		for i, l := range ch.Locations {
			holders[i] = l.ID
		}
		where := strings.Join(holders, ",")
		if where == "" {
			where = "(none)"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ch.Index, ch.ChunkID, bytesize.Size(ch.Size), where)
	}
	return w.Flush()
}
