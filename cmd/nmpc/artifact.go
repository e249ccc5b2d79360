package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/san-kum/nmpc/internal/artifact"
	"github.com/san-kum/nmpc/internal/config"
	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/experiment"
	"github.com/san-kum/nmpc/internal/gnsf"
	"github.com/san-kum/nmpc/internal/integrators"
	"github.com/san-kum/nmpc/internal/kernel"
)

// detectGNSF returns the structure of the preset's model at its initial
// parameters.
func detectGNSF(cfg *config.Config) (*gnsf.Descriptor, error) {
	m, err := kernel.Acquire(cfg.Model)
	if err != nil {
		return nil, err
	}
	defer kernel.Release()
	p := make([]float64, m.Dims().NP)
	copy(p, cfg.ParamsAt(0))
	return gnsf.ForModel(m, p)
}

// wLabel names column j of w = [xdot; x; u; z].
func wLabel(d dynamo.Dims, j int) string {
	switch {
	case j < d.NX:
		return fmt.Sprintf("xdot%d", j)
	case j < 2*d.NX:
		return fmt.Sprintf("x%d", j-d.NX)
	case j < 2*d.NX+d.NU:
		return fmt.Sprintf("u%d", j-2*d.NX)
	default:
		return fmt.Sprintf("z%d", j-2*d.NX-d.NU)
	}
}

func showGNSF(cmd *cobra.Command, args []string) error {
	cfg, err := config.GetPreset(args[0])
	if err != nil {
		if !kernel.Has(args[0]) {
			return err
		}
		cfg = config.DefaultConfig()
		cfg.Model = args[0]
		cfg.Params = nil
		cfg.Schedule = nil
	}

	desc, err := detectGNSF(cfg)
	if err != nil {
		return err
	}

	d := desc.Dims
	cols := make([]string, len(desc.Cols))
	for i, j := range desc.Cols {
		cols[i] = wLabel(d, j)
	}
	rows := make([]string, len(desc.Rows))
	for i, r := range desc.Rows {
		rows[i] = fmt.Sprint(r)
	}

	fmt.Println(titleStyle.Render("GNSF structure of " + cfg.Model))
	fmt.Println(row("dims", fmt.Sprintf("nx=%d nu=%d nz=%d np=%d", d.NX, d.NU, d.NZ, d.NP)))
	fmt.Println(row("nonlinear rows", "["+strings.Join(rows, ", ")+"]"))
	fmt.Println(row("phi inputs y", "["+strings.Join(cols, ", ")+"]"))
	fmt.Println(row("reduction", fmt.Sprintf("%d of %d residual rows (%.0f%%)", desc.NPhi(), d.NX+d.NZ, 100*desc.Reduction())))

	if gnsfOut != "" {
		if err := os.MkdirAll(gnsfOut, 0o755); err != nil {
			return err
		}
		if err := artifact.SaveGNSF(gnsfOut, desc); err != nil {
			return err
		}
		fmt.Println(okStyle.Render("wrote " + gnsfOut))
	}
	return nil
}

func initArtifact(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args[:1])
	if err != nil {
		return err
	}
	dir := args[1]

	desc, plant, err := experiment.Describe(cfg)
	if err != nil {
		return err
	}
	files := map[string]any{
		artifact.OCPFile: desc,
		artifact.SimFile: plant,
	}
	if err := artifact.Save(dir, desc.Model, files); err != nil {
		return err
	}

	if plant.Solver.Method == integrators.MethodGNSF || desc.Solver.Integrator.Method == integrators.MethodGNSF {
		g, err := detectGNSF(cfg)
		if err != nil {
			return err
		}
		if err := artifact.SaveGNSF(dir, g); err != nil {
			return err
		}
	}

	fmt.Println(okStyle.Render(fmt.Sprintf("wrote %s artifact to %s", desc.Model, dir)))
	fmt.Println(row("horizon", fmt.Sprintf("N=%d over %gs", desc.Dims.N, desc.Solver.Tf)))
	fmt.Println(row("mpc integrator", string(desc.Solver.Integrator.WithDefaults().Method)))
	fmt.Println(row("plant integrator", string(plant.Solver.WithDefaults().Method)))
	return nil
}
