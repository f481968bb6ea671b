package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/HatiCode/deforma/pkg/adapters"
	"github.com/HatiCode/deforma/pkg/models"
)

func newExtractCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Print the dated samples of a point or polygon",
		Example: `  deformactl extract --path /data/stack --point 512300,4182100
  deformactl extract --adapter geojson --path ps.geojson --polygon "0,0;10,0;10,10"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withAdapter(cmd, func(ctx context.Context, a adapters.Adapter) (any, error) {
				return opts.extract(ctx, a)
			})
		},
	}
}

type fitOutput struct {
	*models.FitResult
	Velocity       *float64 `json:"velocity,omitempty"`
	StoredVelocity *float64 `json:"stored_velocity,omitempty"`
	Samples        int      `json:"samples"`
	FeatureCount   int      `json:"feature_count"`
}

func newFitCmd(opts *options) *cobra.Command {
	var (
		model          string
		seasonal       bool
		maxEvaluations int
	)

	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a trend model to the selected samples",
		Long: `Fit one of poly-1, poly-2, poly-3 or exp, optionally with an annual
seasonal term. An exp fit that does not converge is redone as poly-1 and
reported with fell_back set.`,
		Example: `  deformactl fit --path /data/stack --point 512300,4182100 --model exp --seasonal`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := models.ParseKind(model)
			if err != nil {
				return err
			}
			fitter := models.DefaultFitter
			fitter.MaxEvaluations = maxEvaluations
			if fitter.MaxEvaluations <= 0 {
				return errors.New("--max-evaluations must be > 0")
			}

			return opts.withAdapter(cmd, func(ctx context.Context, a adapters.Adapter) (any, error) {
				res, err := opts.extract(ctx, a)
				if err != nil {
					return nil, err
				}
				fit, err := fitter.Fit(res.Samples, kind, seasonal)
				if err != nil {
					return nil, err
				}
				out := fitOutput{
					FitResult:      fit,
					StoredVelocity: res.Velocity,
					Samples:        len(res.Samples),
					FeatureCount:   res.FeatureCount,
				}
				if v, err := models.FitVelocity(res.Samples); err == nil {
					out.Velocity = &v
				}
				return out, nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&model, "model", string(models.Poly1), "model: poly-1, poly-2, poly-3 or exp")
	f.BoolVar(&seasonal, "seasonal", false, "add an annual sinusoid")
	f.IntVar(&maxEvaluations, "max-evaluations", models.DefaultFitter.MaxEvaluations, "evaluation budget of the exp solver")
	return cmd
}

type velocityOutput struct {
	Velocity       float64  `json:"velocity"`
	StoredVelocity *float64 `json:"stored_velocity,omitempty"`
	Samples        int      `json:"samples"`
}

func newVelocityCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "velocity",
		Short:   "Print the mean linear rate per year",
		Example: `  deformactl velocity --adapter gpkg --path ps.gpkg --set layer=ps_desc --point 10,20`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withAdapter(cmd, func(ctx context.Context, a adapters.Adapter) (any, error) {
				res, err := opts.extract(ctx, a)
				if err != nil {
					return nil, err
				}
				v, err := models.FitVelocity(res.Samples)
				if err != nil {
					return nil, err
				}
				return velocityOutput{Velocity: v, StoredVelocity: res.Velocity, Samples: len(res.Samples)}, nil
			})
		},
	}
}
