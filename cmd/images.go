package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/finscan/internal/imagestore"
	"github.com/sells-group/finscan/internal/store"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Manage stored detection images",
}

var imagesMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move crops from the legacy flat layout into per-video directories",
	Long: "Moves <images.dir>/<name> into <images.dir>/<video>/<name> for every record " +
		"whose image ref has no video prefix, and rewrites the record's image ref.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("records"); err != nil {
			return err
		}
		if cfg.Images.Backend != "local" {
			return eris.Errorf("images migrate only supports the local backend, not %s", cfg.Images.Backend)
		}

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && !confirm(os.Stdin, os.Stderr, fmt.Sprintf("Move legacy images under %s into per-video directories?", cfg.Images.Dir)) {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		local, err := imagestore.NewLocal(cfg.Images.Dir)
		if err != nil {
			return err
		}

		res, err := migrateImages(ctx, st, local)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Migrated %d, missing %d, already scoped %d.\n", res.Migrated, res.Missing, res.Skipped)
		return nil
	},
}

// migrateResult counts what migrateImages did.
type migrateResult struct {
	Migrated int
	Missing  int
	Skipped  int
}

// migrateImages rewrites every flat image ref to the video-scoped layout.
// Records whose legacy file is gone keep their ref and are counted missing.
func migrateImages(ctx context.Context, st store.Store, local *imagestore.Local) (migrateResult, error) {
	var res migrateResult

	recs, err := st.List(ctx, store.RecordFilter{})
	if err != nil {
		return res, eris.Wrap(err, "images migrate: list records")
	}

	for _, rec := range recs {
		if imagestore.IsScoped(rec.ImageRef) {
			res.Skipped++
			continue
		}
		ref, err := local.MigrateLegacy(rec.VideoID, filepath.Base(rec.ImageRef))
		if errors.Is(err, imagestore.ErrNotFound) {
			zap.L().Warn("images migrate: legacy image missing",
				zap.Int64("record_id", rec.ID),
				zap.String("image_ref", rec.ImageRef),
			)
			res.Missing++
			continue
		}
		if err != nil {
			return res, eris.Wrapf(err, "images migrate: record %d", rec.ID)
		}
		if err := st.UpdateImageRef(ctx, rec.ID, ref); err != nil {
			return res, eris.Wrapf(err, "images migrate: update record %d", rec.ID)
		}
		res.Migrated++
	}
	return res, nil
}

func init() {
	imagesMigrateCmd.Flags().Bool("yes", false, "skip the confirmation prompt")
	imagesCmd.AddCommand(imagesMigrateCmd)
	rootCmd.AddCommand(imagesCmd)
}
