package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"herbtrace/internal/adapters/qrcodes"
	"herbtrace/internal/blob"
	"herbtrace/internal/codec"
	"herbtrace/internal/core"
	"herbtrace/pkg/domain"
)

func newQRCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Encode, decode and publish batch QR codes",
	}
	cmd.AddCommand(newQREncodeCmd(a), newQRDecodeCmd(), newQRPublishCmd(a), newQRListCmd(a))
	return cmd
}

func newQREncodeCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "encode <batch-id>",
		Short: "Write the QR code for a batch as PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := domain.BatchID(args[0])
			png, err := codec.RenderBatch(codec.NewQRRenderer(a.cfg.QR.Size), id)
			if err != nil {
				return mutationError(id, err)
			}
			if out == "-" {
				_, err = cmd.OutOrStdout().Write(png)
				return err
			}
			if err := os.WriteFile(out, png, 0o644); err != nil {
				return fmt.Errorf("write qr: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", out, codec.Encode(id))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "qr.png", "output file, - for stdout")
	return cmd
}

func newQRDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <image>",
		Short: "Read a batch identifier from a PNG or JPEG QR image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			id, err := decodeImage(data)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

// decodeImage reads the first QR code in data and parses its payload.
func decodeImage(data []byte) (domain.BatchID, error) {
	raw, err := codec.NewImageReader().ReadBytes(data)
	if err != nil {
		if errors.Is(err, codec.ErrNoCode) {
			return "", noticeError{core.NoticeFor("", domain.ErrInvalidPayloadFormat)}
		}
		return "", err
	}
	id, err := codec.Decode(raw)
	if err != nil {
		return "", noticeError{core.NoticeFor("", err)}
	}
	return id, nil
}

func newQRPublishCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <batch-id>",
		Short: "Render a registered batch's QR code into the blob store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := domain.BatchID(args[0])
			return a.withStack(cmd.Context(), func(svc *core.Service) error {
				if _, err := svc.Lookup(cmd.Context(), id); err != nil {
					return mutationError(id, err)
				}
				pub, err := a.openPublisher(cmd.Context())
				if err != nil {
					return err
				}
				art, err := pub.Ensure(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\t%s\n", art.Key, art.SizeBytes, art.URL)
				return nil
			})
		},
	}
}

func newQRListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List QR artifacts in the blob store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, err := a.openPublisher(cmd.Context())
			if err != nil {
				return err
			}
			infos, err := pub.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", info.Key, info.Size, info.LastModified.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}
}

// openPublisher opens the configured blob store behind a QR publisher.
func (a *app) openPublisher(ctx context.Context) (*qrcodes.Publisher, error) {
	store, err := blob.Open(ctx, a.cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return qrcodes.NewPublisher(store, codec.NewQRRenderer(a.cfg.QR.Size), qrcodes.WithPublisherLogger(a.logger)), nil
}
