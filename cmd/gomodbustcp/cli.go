package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	modbus "github.com/sourceperl/gomodbustcp"
)

var (
	cfgFile string
	logger  *zap.Logger
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gomodbustcp",
		Short: "A Modbus/TCP server and client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = buildLogger()
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	root.AddCommand(newServeCmd(), newReadCmd(), newWriteCmd(), newPokeCmd(), newVersionCmd())
	return root
}

func buildLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a Modbus/TCP server backed by an in-memory DataBank",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := modbus.LoadServerConfig(cfgFile)
			if err != nil {
				logger.Warn("falling back to default server config", zap.Error(err))
				cfg = modbus.DefaultServerConfig()
			}
			if port > 0 {
				cfg.Port = port
			}

			bank := modbus.NewDataBank(
				modbus.WithCoilsSize(cfg.CoilsSize),
				modbus.WithDiscreteInputsSize(cfg.DiscreteInputsSize),
				modbus.WithHoldingRegistersSize(cfg.HoldingRegistersSize),
				modbus.WithInputRegistersSize(cfg.InputRegistersSize),
			)
			handler := modbus.NewDataHandler(bank)
			nets, err := cfg.AllowedIPNets()
			if err != nil {
				return err
			}
			handler.AllowedIPs = nets

			srv := modbus.NewServer(handler, logger)
			if err := srv.Start(cfg.Addr()); err != nil {
				return fmt.Errorf("starting server: %w", err)
			}
			logger.Info("server listening", zap.String("addr", cfg.Addr()))

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigChan
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))

			return srv.Stop()
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	return cmd
}

func newClient(host string, port int, unitID byte) *modbus.Client {
	cfg := modbus.DefaultClientConfig()
	if host != "" {
		cfg.Host = host
	}
	if port > 0 {
		cfg.Port = port
	}
	cfg.UnitID = unitID
	return modbus.NewClient(cfg, logger)
}

func newReadCmd() *cobra.Command {
	var host string
	var port int
	var unitID uint8
	cmd := &cobra.Command{
		Use:   "read [coils|discrete|holding|input] address quantity",
		Short: "Read one register range from a Modbus/TCP server",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseUint16(args[1])
			if err != nil {
				return err
			}
			qty, err := parseUint16(args[2])
			if err != nil {
				return err
			}

			c := newClient(host, port, unitID)
			defer c.Close()

			switch strings.ToLower(args[0]) {
			case "coils":
				values, err := c.ReadCoils(addr, qty)
				if err != nil {
					return err
				}
				fmt.Println(values)
			case "discrete":
				values, err := c.ReadDiscreteInputs(addr, qty)
				if err != nil {
					return err
				}
				fmt.Println(values)
			case "holding":
				values, err := c.ReadHoldingRegisters(addr, qty)
				if err != nil {
					return err
				}
				fmt.Println(values)
			case "input":
				values, err := c.ReadInputRegisters(addr, qty)
				if err != nil {
					return err
				}
				fmt.Println(values)
			default:
				return fmt.Errorf("unknown register kind %q", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "server host")
	cmd.Flags().IntVar(&port, "port", modbus.ModbusTCPDefaultPort, "server port")
	cmd.Flags().Uint8Var(&unitID, "unit", 1, "unit id")
	return cmd
}

func newWriteCmd() *cobra.Command {
	var host string
	var port int
	var unitID uint8
	cmd := &cobra.Command{
		Use:   "write [coil|register] address value",
		Short: "Write one coil or holding register on a Modbus/TCP server",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseUint16(args[1])
			if err != nil {
				return err
			}

			c := newClient(host, port, unitID)
			defer c.Close()

			switch strings.ToLower(args[0]) {
			case "coil":
				value := args[2] == "1" || strings.EqualFold(args[2], "true") || strings.EqualFold(args[2], "on")
				return c.WriteSingleCoil(addr, value)
			case "register":
				value, err := parseUint16(args[2])
				if err != nil {
					return err
				}
				return c.WriteSingleRegister(addr, value)
			default:
				return fmt.Errorf("unknown register kind %q", args[0])
			}
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "server host")
	cmd.Flags().IntVar(&port, "port", modbus.ModbusTCPDefaultPort, "server port")
	cmd.Flags().Uint8Var(&unitID, "unit", 1, "unit id")
	return cmd
}

// newPokeCmd opens one client connection and runs a small line-oriented
// command session against it, e.g. "rhr 0 4", "wsr 10 42", "quit".
func newPokeCmd() *cobra.Command {
	var host string
	var port int
	var unitID uint8
	cmd := &cobra.Command{
		Use:   "poke",
		Short: "Run an interactive line-oriented client session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(host, port, unitID)
			defer c.Close()
			if err := c.Open(); err != nil {
				return err
			}

			scanner := bufio.NewScanner(os.Stdin)
			fmt.Fprintln(os.Stdout, "connected; commands: rc/rdi/rhr/rir addr qty, wsc/wsr addr value, quit")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := runPokeLine(c, line); err != nil {
					if err == errQuit {
						return nil
					}
					fmt.Fprintf(os.Stdout, "error: %v\n", err)
				}
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "server host")
	cmd.Flags().IntVar(&port, "port", modbus.ModbusTCPDefaultPort, "server port")
	cmd.Flags().Uint8Var(&unitID, "unit", 1, "unit id")
	return cmd
}

var errQuit = fmt.Errorf("quit")

func runPokeLine(c *modbus.Client, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "quit", "exit":
		return errQuit
	case "rc", "rdi", "rhr", "rir":
		if len(fields) != 3 {
			return fmt.Errorf("usage: %s addr qty", fields[0])
		}
		addr, err := parseUint16(fields[1])
		if err != nil {
			return err
		}
		qty, err := parseUint16(fields[2])
		if err != nil {
			return err
		}
		switch fields[0] {
		case "rc":
			v, err := c.ReadCoils(addr, qty)
			if err != nil {
				return err
			}
			fmt.Println(v)
		case "rdi":
			v, err := c.ReadDiscreteInputs(addr, qty)
			if err != nil {
				return err
			}
			fmt.Println(v)
		case "rhr":
			v, err := c.ReadHoldingRegisters(addr, qty)
			if err != nil {
				return err
			}
			fmt.Println(v)
		case "rir":
			v, err := c.ReadInputRegisters(addr, qty)
			if err != nil {
				return err
			}
			fmt.Println(v)
		}
		return nil
	case "wsc", "wsr":
		if len(fields) != 3 {
			return fmt.Errorf("usage: %s addr value", fields[0])
		}
		addr, err := parseUint16(fields[1])
		if err != nil {
			return err
		}
		if fields[0] == "wsc" {
			return c.WriteSingleCoil(addr, fields[2] == "1")
		}
		value, err := parseUint16(fields[2])
		if err != nil {
			return err
		}
		return c.WriteSingleRegister(addr, value)
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gomodbustcp version %s\n", version)
			fmt.Printf("  build: %s\n", buildTime)
			fmt.Printf("  commit: %s\n", gitCommit)
		},
	}
}

func parseUint16(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return uint16(n), nil
}
