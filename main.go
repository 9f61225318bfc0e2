package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "KINTAI-agent/docs"
	"KINTAI-agent/internal/attendance"
	"KINTAI-agent/internal/geofence"
	"KINTAI-agent/internal/heartbeat"
	"KINTAI-agent/internal/lifecycle"
	"KINTAI-agent/internal/location"
	"KINTAI-agent/internal/platform/auth"
	"KINTAI-agent/internal/platform/db"
	"KINTAI-agent/internal/platform/serverapi"
)

// キオスクUIのビルド出力を埋め込む

//go:embed public
var embedded embed.FS

func main() {
	// 設定読み込み
	cfg, err := db.LoadConfig("config/config.yaml")
	if err != nil {
		panic(err)
	}

	// 動作モード取得
	mode := cfg.Mode
	log.Printf("[INFO] mode:%s\n", mode)

	if cfg.Mode != "dev" && cfg.Mode != "release" {
		fmt.Println("Usage: go run main.go [dev|release]")
		return
	}

	conn, err := db.Connect(cfg.DB)
	if err != nil {
		panic(err)
	}
	defer conn.Close()

	log.Printf("[INFO] connected to mirror DB: %s", cfg.DB.DBName)

	// アプリ寿命のコンテキスト。常駐ループはリクエスト寿命のctxで始めない。
	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	// ===== コンポーネント結線 =====

	bridge := location.NewBridge()
	engine := location.NewEngine(bridge, location.DefaultConfig())

	api := serverapi.NewClient(serverapi.Config{
		BaseURL:      cfg.Server.BaseURL,
		DeviceID:     cfg.Server.DeviceID,
		DeviceSecret: []byte(cfg.Server.DeviceSecret),
	})

	sites := geofence.NewSource(api, cfg.Agent.SiteID)
	machine := heartbeat.NewMachine()
	coord := heartbeat.NewCoordinator(heartbeat.DefaultConfig(), api, engine, sites, machine, cfg.Agent.EmployeeID)

	store := attendance.NewStore(conn)
	svc := attendance.NewService(api, engine, sites, machine, store,
		cfg.Agent.EmployeeID, cfg.Agent.Timezone, []byte(cfg.Agent.CheckoutPinHash))

	// セッション開始/終了/期限再取得をハートビートへ接続
	svc.SetHooks(
		func(_ context.Context, sessionID string) { coord.Start(appCtx, sessionID) },
		coord.Stop,
		coord.AdoptPending,
	)
	coord.SetExecutor(svc)

	// 権限回復・測位復帰の直後はスケジュール外の在席報告を1回飛ばす
	engine.SetOnRecovered(func() {
		if svc.HasActiveSession() {
			coord.BeatNow(appCtx)
		}
	})

	gate := lifecycle.NewGate(appCtx, engine, coord, svc, sites)
	authSvc := auth.NewService([]byte(cfg.Agent.APISecret), cfg.Agent.KioskID, []byte(cfg.Agent.KioskSecretHash))

	// ===== ルーティング =====

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	_ = r.SetTrustedProxies(nil)

	if mode == "dev" {
		// CORS（UIを別ポートで開発するときのみ必要）
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:3000"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowCredentials: true,
		}))
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// ヘルス
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	// /api/v1
	apiGroup := r.Group("/api/v1")
	auth.RegisterRoutes(apiGroup, authSvc)

	protected := apiGroup.Group("", auth.RequireAuth(authSvc.Secret()))
	attendance.RegisterRoutes(protected, svc)
	location.RegisterRoutes(protected, bridge)
	lifecycle.RegisterRoutes(protected, gate)

	// ===== キオスクUI（埋め込みSPA） =====

	sub, err := fs.Sub(embedded, "public")
	if err != nil {
		log.Fatal(err)
	}
	fileFS := http.FS(sub)

	r.NoRoute(func(c *gin.Context) {
		// API は対象外
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Status(http.StatusNotFound)
			return
		}

		reqPath := strings.TrimPrefix(c.Request.URL.Path, "/")
		if reqPath == "" {
			reqPath = "index.html"
		}

		// 実ファイルがあるならそれを返す（Content-Type を推測、キャッシュ付与）
		if f, err := fileFS.Open(reqPath); err == nil {
			defer f.Close()
			if ct := mime.TypeByExtension(path.Ext(reqPath)); ct != "" {
				c.Header("Content-Type", ct)
			}
			// index.html 以外はキャッシュ（SPAの基本運用）
			if !strings.HasSuffix(reqPath, "index.html") {
				c.Header("Cache-Control", "public, max-age=86400, immutable")
			}
			if fileInfo, err := f.Stat(); err == nil {
				http.ServeContent(c.Writer, c.Request, reqPath, fileInfo.ModTime(), f)
			} else {
				c.Status(http.StatusInternalServerError)
			}
			return
		}

		// なければ index.html にフォールバック
		if idx, err := fileFS.Open("index.html"); err == nil {
			defer idx.Close()
			c.Header("Content-Type", "text/html; charset=utf-8")
			if fileInfo, err := idx.Stat(); err == nil {
				http.ServeContent(c.Writer, c.Request, "index.html", fileInfo.ModTime(), idx)
			} else {
				c.Status(http.StatusInternalServerError)
			}
			return
		}

		c.Status(http.StatusNotFound)
	})

	// ===== 起動時ブート =====
	// 表示復帰と同じ経路を通す：サイト再取得→セッション照合→測位開始。
	engine.Start(appCtx)
	go gate.OnForeground()

	// TLS起動（:8443）
	srv := &http.Server{
		Addr:    ":8443",
		Handler: r,
	}

	var certFile, keyFile string

	// TLS設定
	if mode == "dev" {
		//開発用
		certFile = fmt.Sprintf("config/tls/dev/%s", cfg.Certificate.Cert)
		keyFile = fmt.Sprintf("config/tls/dev/%s", cfg.Certificate.Key)
	} else {
		//本番用
		certFile = fmt.Sprintf("config/tls/release/%s", cfg.Certificate.Cert)
		keyFile = fmt.Sprintf("config/tls/release/%s", cfg.Certificate.Key)
	}

	go func() {
		log.Println("[INFO] listening on https://0.0.0.0:8443")
		if err := srv.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	log.Println("[INFO] shutting down...")

	// 常駐ループを先に止める（最後のハートビートは送らない）
	gate.OnBackground()
	cancelApp()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal(err)
	}
}
