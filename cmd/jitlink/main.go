package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tetratelabs/jitlink"
	"github.com/tetratelabs/jitlink/internal/jitapi"
	"github.com/tetratelabs/jitlink/internal/memory"
	"github.com/tetratelabs/jitlink/internal/vmmodel"
)

// version is overridden at link time.
var version = "dev"

const heapSize = 0x10_0000

func main() {
	doMain(os.Args[1:], os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	cmd := newRootCommand(stdOut, stdErr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stdErr, "error: %v\n", err)
		exit(1)
		return
	}
	exit(0)
}

type globalParams struct {
	configPath string
	verbose    bool
}

func newRootCommand(stdOut, stdErr io.Writer) *cobra.Command {
	var g globalParams
	root := &cobra.Command{
		Use:           "jitlink",
		Short:         "jitlink CLI",
		Long:          "Compiles and runs arm64 methods described in YAML on an emulated managed runtime.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to a YAML configuration")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log compilation and patching events to stderr")

	root.AddCommand(newCompileCommand(&g, stdOut, stdErr))
	root.AddCommand(newRunCommand(&g, stdOut, stdErr))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(stdOut, version)
		},
	})
	return root
}

func newCompileCommand(g *globalParams, stdOut, stdErr io.Writer) *cobra.Command {
	var listing bool
	cmd := &cobra.Command{
		Use:   "compile <method.yaml>...",
		Short: "Compile methods and print their frame layout",
		Long: `Compile methods and print their frame layout.

Methods are installed in order, so a method may call the methods of the files before it by name.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			s, err := newSession(g, stdOut, stdErr, nil)
			if err != nil {
				return err
			}
			methods, err := s.installAll(args)
			if err != nil {
				return err
			}
			for _, m := range methods {
				writeMethod(stdOut, m, listing)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&listing, "listing", false, "print the assembly listing of every method")
	return cmd
}

func newRunCommand(g *globalParams, stdOut, stdErr io.Writer) *cobra.Command {
	var entry string
	var stats bool
	cmd := &cobra.Command{
		Use:   "run <method.yaml>... [-- <arg>...]",
		Short: "Install methods and call one of them",
		Long: `Install methods and call one of them with integer arguments, printing the returned x0.

Native 0 prints its first argument on its own line.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, callArgs := args, []string(nil)
			if n := cmd.ArgsLenAtDash(); n >= 0 {
				files, callArgs = args[:n], args[n:]
			}
			if len(files) == 0 {
				return errors.New("missing path to method file")
			}
			values, err := parseArgs(callArgs)
			if err != nil {
				return err
			}

			var reg *prometheus.Registry
			if stats {
				reg = prometheus.NewRegistry()
			}
			s, err := newSession(g, stdOut, stdErr, reg)
			if err != nil {
				return err
			}
			methods, err := s.installAll(files)
			if err != nil {
				return err
			}
			target := methods[len(methods)-1]
			if entry != "" {
				var ok bool
				if target, ok = s.rt.Method(entry); !ok {
					return fmt.Errorf("unknown entry method %q", entry)
				}
			}

			th, err := s.rt.NewThread()
			if err != nil {
				return err
			}
			defer th.Close()
			ret, err := th.Call(target, values...)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdOut, ret)

			if reg != nil {
				mfs, err := reg.Gather()
				if err != nil {
					return err
				}
				writeMetrics(stdOut, mfs)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&entry, "entry", "e", "", "name of the method to call, defaults to the method of the last file")
	cmd.Flags().BoolVar(&stats, "stats", false, "print the patching statistics after the call")
	return cmd
}

// session is a runtime set up from the global flags.
type session struct {
	rt    *jitlink.Runtime
	model *vmmodel.Model
}

func newSession(g *globalParams, stdOut, stdErr io.Writer, reg prometheus.Registerer) (*session, error) {
	cfg := jitlink.NewConfig()
	if g.configPath != "" {
		f, err := os.Open(g.configPath)
		if err != nil {
			return nil, fmt.Errorf("error reading configuration: %w", err)
		}
		defer f.Close()
		if cfg, err = jitlink.LoadConfig(f); err != nil {
			return nil, err
		}
	}

	log := logrus.New()
	log.SetOutput(stdErr)
	log.SetLevel(logrus.WarnLevel)
	if g.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	cfg = cfg.WithLogger(log)
	if reg != nil {
		cfg = cfg.WithMetricsRegisterer(reg)
	}

	heap := memory.NewRegion("heap", jitapi.HeapBase, heapSize)
	model := vmmodel.NewModel(heap)
	rt, err := jitlink.NewRuntime(cfg, heap, model)
	if err != nil {
		return nil, err
	}
	if _, err = rt.RegisterNative(0, func(c *jitlink.NativeCall) (uint64, error) {
		_, err := fmt.Fprintln(stdOut, c.Args[0])
		return 0, err
	}); err != nil {
		return nil, err
	}
	return &session{rt: rt, model: model}, nil
}

func (s *session) symbols() jitlink.Symbols {
	return jitlink.Symbols{
		Method: func(name string) (uint64, bool) {
			m, ok := s.rt.Method(name)
			if !ok {
				return 0, false
			}
			return m.Entry, true
		},
		Class: func(name string) (jitlink.ClassID, bool) {
			c, ok := s.model.Class(name)
			if !ok {
				return 0, false
			}
			return c.ID, true
		},
	}
}

func (s *session) installAll(paths []string) ([]*jitlink.CompiledMethod, error) {
	ret := make([]*jitlink.CompiledMethod, 0, len(paths))
	for _, path := range paths {
		m, err := s.load(path)
		if err != nil {
			return nil, err
		}
		cm, err := s.rt.Install(m)
		if err != nil {
			return nil, err
		}
		ret = append(ret, cm)
	}
	return ret, nil
}

func (s *session) load(path string) (*jitlink.Method, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error reading method: %w", err)
	}
	defer f.Close()
	m, err := jitlink.LoadMethod(f, s.symbols())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func parseArgs(args []string) ([]uint64, error) {
	ret := make([]uint64, 0, len(args))
	for _, a := range args {
		if v, err := strconv.ParseUint(a, 0, 64); err == nil {
			ret = append(ret, v)
			continue
		}
		v, err := strconv.ParseInt(a, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid argument %q: not an integer", a)
		}
		ret = append(ret, uint64(v))
	}
	return ret, nil
}

func writeMethod(w io.Writer, m *jitlink.CompiledMethod, listing bool) {
	f := m.Frame()
	fmt.Fprintf(w, "%s: entry=%#x frame=%d gcSlots=%d safepoints=%d patchSites=%d\n",
		m.Name, m.Entry, f.FrameSize, f.NumGCSlots, len(m.Safepoints()), len(m.PatchSites()))
	if listing {
		fmt.Fprintln(w, m.Listing())
	}
}

// writeMetrics prints the non-zero counters of mfs, one per line.
func writeMetrics(w io.Writer, mfs []*dto.MetricFamily) {
	sort.Slice(mfs, func(i, j int) bool { return mfs[i].GetName() < mfs[j].GetName() })
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			v := m.GetCounter().GetValue()
			if v == 0 {
				continue
			}
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			fmt.Fprintf(w, "%s %v\n", name, v)
		}
	}
}
