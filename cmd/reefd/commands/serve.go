package commands

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/spf13/cobra"

	"github.com/reeffs/reef/internal/admin"
	"github.com/reeffs/reef/internal/dispatch"
	"github.com/reeffs/reef/internal/exports"
	"github.com/reeffs/reef/internal/handle"
	"github.com/reeffs/reef/internal/lockmgr"
	"github.com/reeffs/reef/internal/logger"
	"github.com/reeffs/reef/internal/mountd"
	nfsv2 "github.com/reeffs/reef/internal/nfs/v2"
	nfsv3 "github.com/reeffs/reef/internal/nfs/v3"
	nfsv4 "github.com/reeffs/reef/internal/nfs/v4"
	"github.com/reeffs/reef/internal/nlm"
	"github.com/reeffs/reef/internal/openstate"
	"github.com/reeffs/reef/internal/portmap"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/security/krb5"
	"github.com/reeffs/reef/internal/telemetry"
	"github.com/reeffs/reef/internal/transport"
	"github.com/reeffs/reef/internal/vfs"
	"github.com/reeffs/reef/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the NFS server",
	Long: `Start serving the configured exports. The process runs in the
foreground and shuts down cleanly on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe is the composition root: configuration in, wired server out.
func runServe(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}
	logger.Info("starting reefd", "version", Version)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability.
	shutdownTraces, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:    cfg.Telemetry.Enabled,
		Endpoint:   cfg.Telemetry.Endpoint,
		Insecure:   cfg.Telemetry.Insecure,
		SampleRate: cfg.Telemetry.SampleRate,
		Service:    "reefd",
		Version:    Version,
	})
	if err != nil {
		logger.Warn("tracing unavailable", "error", err)
	} else {
		defer func() {
			c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTraces(c)
		}()
	}
	if cfg.Profiling.Enabled {
		if _, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "reefd",
			ServerAddress:   cfg.Profiling.ServerURL,
		}); err != nil {
			logger.Warn("profiling unavailable", "error", err)
		}
	}

	// Exports and the backing filesystems.
	exportList := make([]*exports.Export, 0, len(cfg.Exports))
	for _, e := range cfg.Exports {
		fs, err := vfs.NewOSFS(e.Path)
		if err != nil {
			return fmt.Errorf("export %s: %w", e.Name, err)
		}
		exportList = append(exportList, &exports.Export{
			Name:          e.Name,
			FS:            fs,
			ReadOnly:      e.ReadOnly,
			ClientPattern: e.ClientPattern,
		})
	}
	registry, err := exports.NewRegistry(exportList)
	if err != nil {
		return err
	}

	// Core singletons, created here and passed explicitly everywhere.
	handles := handle.NewTable(registry.Roots())
	cacheTTL := cfg.CacheTTL
	if !cfg.CacheEnabled {
		cacheTTL = 0
	}
	attrCache := handle.NewAttrCache(cacheTTL)
	locks := lockmgr.New(cfg.LockLease)
	opens := openstate.New(0)

	allowNone, allowSys, allowDH, allowKrb5 := cfg.Flavors()
	sec := security.NewManager(security.Config{
		AllowNone:       allowNone || cfg.AnonymousAccess,
		AllowSys:        allowSys,
		AllowDH:         allowDH,
		AllowGSS:        allowKrb5,
		AnonymousAccess: cfg.AnonymousAccess,
		RootSquash:      cfg.RootSquash,
		AllSquash:       cfg.AllSquash,
		AnonUID:         cfg.AnonUID,
		AnonGID:         cfg.AnonGID,
		SessionTimeout:  cfg.SessionTimeout,
	}, security.NewAudit(cfg.AuditLogFile))

	if allowKrb5 && cfg.Kerberos.Enabled {
		identities := make(map[string]krb5.Identity, len(cfg.Kerberos.Identities))
		for principal, id := range cfg.Kerberos.Identities {
			identities[principal] = krb5.Identity{UID: id.UID, GID: id.GID, GIDs: id.GIDs}
		}
		provider, err := krb5.New(cfg.Kerberos.KeytabPath, cfg.Kerberos.ServicePrincipal, identities, nil)
		if err != nil {
			return fmt.Errorf("kerberos: %w", err)
		}
		sec.SetGSSProvider(provider)
	}

	// The write verifier must differ across restarts.
	var verf [8]byte
	_, _ = rand.Read(verf[:])
	writeVerf := binary.BigEndian.Uint64(verf[:])

	// Program handlers.
	pmReg := portmap.NewRegistry(1024)
	router := &dispatch.Router{
		Portmap: &portmap.Handler{Registry: pmReg},
		Mount:   &mountd.Handler{Exports: registry, Handles: handles, Sec: sec},
		NLM: &nlm.Handler{
			Handles:     handles,
			Locks:       locks,
			GracePeriod: cfg.GracePeriod,
		},
		Sec: sec,
	}
	if cfg.EnableNFSv2 {
		router.V2 = &nfsv2.Handler{Exports: registry, Handles: handles, Cache: attrCache, Sec: sec}
	}
	if cfg.EnableNFSv3 {
		router.V3 = &nfsv3.Handler{
			Exports: registry, Handles: handles, Cache: attrCache, Sec: sec,
			ReadMax: cfg.ReadSize, WriteMax: cfg.WriteSize, WriteVerf: writeVerf,
		}
	}
	if cfg.EnableNFSv4 {
		v4h := nfsv4.NewHandler(registry, handles, attrCache, sec, locks, opens)
		v4h.ReadMax = cfg.ReadSize
		v4h.WriteMax = cfg.WriteSize
		v4h.WriteVerf = writeVerf
		router.V4 = v4h
	}

	// Register our own programs so GETPORT answers before any traffic.
	registerSelf(pmReg, cfg)

	nfsServer := transport.NewServer(transport.Config{
		BindAddress:    cfg.BindAddress,
		Port:           cfg.Port,
		EnableTCP:      cfg.EnableTCP,
		EnableUDP:      cfg.EnableUDP,
		MaxConnections: cfg.MaxConnections,
		IdleTimeout:    cfg.ConnectionTimeout,
	}, router)

	pmServer := transport.NewServer(transport.Config{
		BindAddress:    cfg.BindAddress,
		Port:           cfg.PortmapPort,
		EnableTCP:      cfg.EnableTCP,
		EnableUDP:      cfg.EnableUDP,
		MaxConnections: cfg.MaxConnections,
		IdleTimeout:    cfg.ConnectionTimeout,
	}, router)

	errCh := make(chan error, 3)
	go func() { errCh <- nfsServer.Serve(ctx) }()
	go func() { errCh <- pmServer.Serve(ctx) }()

	if cfg.Admin.Enabled {
		adminServer := admin.NewServer(admin.Config{
			Port:      cfg.Admin.Port,
			JWTSecret: cfg.Admin.JWTSecret,
		}, registry, router.Mount, sec)
		go func() { errCh <- adminServer.Serve(ctx) }()
	}

	logger.Info("serving",
		"port", cfg.Port, "portmap_port", cfg.PortmapPort,
		"exports", len(cfg.Exports),
		"v2", cfg.EnableNFSv2, "v3", cfg.EnableNFSv3, "v4", cfg.EnableNFSv4)

	select {
	case <-ctx.Done():
		nfsServer.Stop()
		pmServer.Stop()
		logger.Info("shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// registerSelf seeds the portmap registry with this process's programs.
func registerSelf(reg *portmap.Registry, cfg *config.Config) {
	port := uint32(cfg.Port)
	pmPort := uint32(cfg.PortmapPort)

	for _, proto := range []uint32{portmap.ProtoTCP, portmap.ProtoUDP} {
		if proto == portmap.ProtoTCP && !cfg.EnableTCP {
			continue
		}
		if proto == portmap.ProtoUDP && !cfg.EnableUDP {
			continue
		}

		reg.Set(portmap.Mapping{Program: rpc.ProgramPortmap, Version: portmap.Version, Protocol: proto, Port: pmPort, Owner: "reefd"})
		if cfg.EnableNFSv2 {
			reg.Set(portmap.Mapping{Program: rpc.ProgramNFS, Version: 2, Protocol: proto, Port: port, Owner: "reefd"})
		}
		if cfg.EnableNFSv3 {
			reg.Set(portmap.Mapping{Program: rpc.ProgramNFS, Version: 3, Protocol: proto, Port: port, Owner: "reefd"})
		}
		if cfg.EnableNFSv4 {
			reg.Set(portmap.Mapping{Program: rpc.ProgramNFS, Version: 4, Protocol: proto, Port: port, Owner: "reefd"})
		}
		for _, v := range []uint32{1, 3} {
			reg.Set(portmap.Mapping{Program: rpc.ProgramMount, Version: v, Protocol: proto, Port: port, Owner: "reefd"})
		}
		reg.Set(portmap.Mapping{Program: rpc.ProgramNLM, Version: nlm.Version, Protocol: proto, Port: port, Owner: "reefd"})
	}
}
