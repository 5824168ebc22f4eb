/*
Copyright © 2025 the FourDVar authors.
This file is part of FourDVar.

FourDVar is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

FourDVar is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with FourDVar.  If not, see <http://www.gnu.org/licenses/>.
*/

package fourdvarutil

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/fourdvar"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gonum.org/v1/gonum/optimize"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to FourDVar.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "PriorFile",
			usage: `
              PriorFile is the path to the physical prior archive. It
              establishes the reference grid, species registry and
              uncertainty model for the whole run; every other input
              file must agree with it.`,
			defaultVal: "prior.ncf",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "ObservationFile",
			usage: `
              ObservationFile is the path to the observation archive to
              be assimilated.`,
			defaultVal: "observations.ncf",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "MetFile",
			usage: `
              MetFile is the path to the meteorology file holding the air
              density variable and the VGLVLS sigma-level attribute used
              to derive the unit-conversion factors.`,
			defaultVal: "met.ncf",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "DensityVar",
			usage: `
              DensityVar is the name of the air density variable in
              MetFile.`,
			defaultVal: "DENSA_J",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "IconFile",
			usage: `
              IconFile is the path to the reference initial-concentration
              file, holding one variable per species. It is required only
              when the prior enables the initial-condition pathway.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "UncertaintyFile",
			usage: `
              UncertaintyFile optionally replaces the uncertainty model
              carried by the prior with the corr_unc group of another
              physical archive. The replacement must keep the unknown
              count of the prior.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "ForwardExec",
			usage: `
              ForwardExec is the path to the forward simulator
              executable. It is invoked as 'ForwardExec input output'
              with NetCDF file arguments.`,
			defaultVal: "forward_model",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "AdjointExec",
			usage: `
              AdjointExec is the path to the adjoint simulator
              executable. It is invoked as 'AdjointExec forcing
              sensitivity' with NetCDF file arguments.`,
			defaultVal: "adjoint_model",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "WorkDir",
			usage: `
              WorkDir is the directory where the simulator exchange
              files are written.`,
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "OutputFile",
			usage: `
              OutputFile is the path where the posterior emission
              estimate is archived.`,
			defaultVal: "posterior.ncf",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "MaxIterations",
			usage: `
              MaxIterations limits the number of major optimizer
              iterations. Zero means no limit.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "GradientTolerance",
			usage: `
              GradientTolerance stops the minimization once the gradient
              infinity norm falls below this value.`,
			defaultVal: 1.0e-6,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "LogLevel",
			usage: `
              LogLevel sets the logging verbosity: one of debug, info,
              warning or error.`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("FOURDVAR")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch v := option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, v, option.usage)
				} else {
					set.StringP(option.name, option.shorthand, v, option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, v, option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, v, option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, v, option.usage)
				} else {
					set.IntP(option.name, option.shorthand, v, option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, v, option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, v, option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(runCmd)
	Root.AddCommand(costCmd)
}

// setConfig finds and reads in the configuration file, if there is
// one, and applies the configured log level.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("fourdvar: problem reading configuration file: %v", err)
		}
	}
	level, err := logrus.ParseLevel(Cfg.GetString("LogLevel"))
	if err != nil {
		return fmt.Errorf("fourdvar: problem parsing log level: %v", err)
	}
	logrus.SetLevel(level)
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "fourdvar",
	Short: "A four-dimensional variational emission inversion.",
	Long: `FourDVar estimates emissions by assimilating observations into a prior
emission field with an external chemical-transport simulator and its adjoint.
Use the subcommands specified below to access the model functionality.

Refer to the subcommand documentation for configuration options and default
settings. Configuration can be changed by using a configuration file (and
providing the path to the file using the --config flag), by using command-line
arguments, or by setting environment variables in the format 'FOURDVAR_var'
where 'var' is the name of the variable to be set.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of FourDVar.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("FourDVar v%s\n", fourdvar.Version)
	},
	DisableAutoGenTag: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the inversion.",
	Long: `run minimizes the assimilation cost function starting from the prior
and archives the posterior emission estimate to OutputFile.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := Setup(Cfg)
		if err != nil {
			return err
		}
		settings := &optimize.Settings{
			MajorIterations:   Cfg.GetInt("MaxIterations"),
			GradientThreshold: Cfg.GetFloat64("GradientTolerance"),
		}
		res, err := d.Minimize(cmd.Context(), nil, settings, nil)
		if err != nil {
			return err
		}
		outputFile := Cfg.GetString("OutputFile")
		if err := res.Physical.Archive(outputFile); err != nil {
			return err
		}
		cmd.Printf("cost %g after %d cost and %d gradient evaluations (%s)\n",
			res.Cost, res.FuncEvaluations, res.GradEvaluations, res.Status)
		cmd.Printf("posterior written to %s\n", outputFile)
		return nil
	},
	DisableAutoGenTag: true,
}

// costCmd evaluates the cost function once at the background state.
// It is useful for checking a configuration before committing to a
// full minimization.
var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Evaluate the cost function once.",
	Long: `cost runs one forward simulation at the background state and prints
the resulting cost function value.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := Setup(Cfg)
		if err != nil {
			return err
		}
		bg := fourdvar.BackgroundUnknown(d.Params())
		c, err := d.Cost(cmd.Context(), bg.Vector())
		if err != nil {
			return err
		}
		cmd.Printf("cost at background: %g\n", c)
		return nil
	},
	DisableAutoGenTag: true,
}
