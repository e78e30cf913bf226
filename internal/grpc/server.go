package grpc

import (
	"fmt"
	"net"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/interceptors"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// ServiceName - имя сервиса в протоколе grpc.health.v1
const ServiceName = "sharing.v1.SharingService"

// Server - служебный gRPC сервер: health и reflection
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	log        *logger.Logger
	port       string
}

// NewServer создает новый gRPC сервер
func NewServer(port string, log *logger.Logger) *Server {
	kaParams := keepalive.ServerParameters{
		MaxConnectionIdle:     time.Minute * 5,
		MaxConnectionAge:      time.Hour,
		MaxConnectionAgeGrace: time.Minute * 5,
		Time:                  time.Minute * 2,
		Timeout:               time.Second * 20,
	}
	logging := interceptors.NewLoggingInterceptor(log)

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(kaParams),
		grpc.ChainUnaryInterceptor(logging.Unary()),
		grpc.ChainStreamInterceptor(logging.Stream()),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	// reflection для отладки через grpcurl
	reflection.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		health:     hs,
		log:        log,
		port:       port,
	}
}

// Start слушает порт из конфигурации и блокируется до Stop
func (s *Server) Start() error {
	addr := ":" + s.port
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.log.Infow("Starting gRPC server", "addr", addr)
	return s.Serve(listener)
}

// Serve помечает сервис как SERVING и обслуживает listener
func (s *Server) Serve(listener net.Listener) error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	if err := s.grpcServer.Serve(listener); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Drain переводит все сервисы в NOT_SERVING, балансировщик перестает слать трафик
func (s *Server) Drain() {
	s.health.Shutdown()
}

// Stop останавливает gRPC сервер
func (s *Server) Stop() {
	s.log.Infow("Stopping gRPC server")
	s.Drain()
	s.grpcServer.GracefulStop()
}
