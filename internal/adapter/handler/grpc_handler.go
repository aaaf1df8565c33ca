package handler

import (
	"context"
	"errors"
	"log"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/appstore/internal/adapter/identity"
	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/core/service"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "appstore.v1.Marketplace"

	// CallerMetadataKey carries the caller identity in request metadata.
	CallerMetadataKey = "x-caller-identity"
)

type PublishAppRequest struct {
	Title string        `json:"title"`
	Genre string        `json:"genre"`
	Price domain.Amount `json:"price"`
}

type PublishAppResponse struct {
	Created bool          `json:"created"`
	ID      domain.ItemID `json:"id"`
}

type ListAppsRequest struct{}

type ListAppsResponse struct {
	Apps []domain.Item `json:"apps"`
}

type BuyAppRequest struct {
	ID            domain.ItemID `json:"id"`
	AttachedValue domain.Amount `json:"attached_value"`
}

type BuyAppResponse struct {
	Settlement domain.Settlement `json:"settlement"`
}

type ListBuyerAppsRequest struct {
	Buyer domain.Identity `json:"buyer"`
}

type ListBuyerAppsResponse struct {
	Titles []string `json:"titles"`
}

type ListAppBuyersRequest struct {
	ID domain.ItemID `json:"id"`
}

type ListAppBuyersResponse struct {
	Buyers []domain.Identity `json:"buyers"`
}

// MarketplaceServer is the gRPC surface of the marketplace.
type MarketplaceServer interface {
	PublishApp(context.Context, *PublishAppRequest) (*PublishAppResponse, error)
	ListApps(context.Context, *ListAppsRequest) (*ListAppsResponse, error)
	BuyApp(context.Context, *BuyAppRequest) (*BuyAppResponse, error)
	ListBuyerApps(context.Context, *ListBuyerAppsRequest) (*ListBuyerAppsResponse, error)
	ListAppBuyers(context.Context, *ListAppBuyersRequest) (*ListAppBuyersResponse, error)
}

type GRPCHandler struct {
	marketplace Marketplace
	logger      *log.Logger
}

func NewGRPCHandler(marketplace Marketplace, logger *log.Logger) *GRPCHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &GRPCHandler{marketplace: marketplace, logger: logger}
}

func (h *GRPCHandler) PublishApp(ctx context.Context, req *PublishAppRequest) (*PublishAppResponse, error) {
	result, err := h.marketplace.PublishApp(callerContext(ctx), service.PublishAppInput{
		Title: req.Title,
		Genre: req.Genre,
		Price: req.Price,
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &PublishAppResponse{Created: result.Created, ID: result.ID}, nil
}

func (h *GRPCHandler) ListApps(ctx context.Context, _ *ListAppsRequest) (*ListAppsResponse, error) {
	items, err := h.marketplace.ListApps(ctx)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &ListAppsResponse{Apps: items}, nil
}

func (h *GRPCHandler) BuyApp(ctx context.Context, req *BuyAppRequest) (*BuyAppResponse, error) {
	ctx = identity.WithAttachedValue(callerContext(ctx), req.AttachedValue)
	settlement, err := h.marketplace.BuyApp(ctx, req.ID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &BuyAppResponse{Settlement: settlement}, nil
}

func (h *GRPCHandler) ListBuyerApps(ctx context.Context, req *ListBuyerAppsRequest) (*ListBuyerAppsResponse, error) {
	titles, err := h.marketplace.ListBuyerApps(ctx, req.Buyer)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &ListBuyerAppsResponse{Titles: titles}, nil
}

func (h *GRPCHandler) ListAppBuyers(ctx context.Context, req *ListAppBuyersRequest) (*ListAppBuyersResponse, error) {
	buyers, err := h.marketplace.ListAppBuyers(ctx, req.ID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &ListAppBuyersResponse{Buyers: buyers}, nil
}

func callerContext(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	values := md.Get(CallerMetadataKey)
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return ctx
	}
	return identity.WithCaller(ctx, domain.Identity(values[0]))
}

func (h *GRPCHandler) toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, domain.ErrCallerRequired):
		code = codes.Unauthenticated
	case errors.Is(err, domain.ErrSelfDealing), errors.Is(err, domain.ErrSelfPurchase):
		code = codes.PermissionDenied
	case errors.Is(err, domain.ErrItemNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrAlreadyPurchased):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrInsufficientPayment):
		code = codes.FailedPrecondition
	case domain.CategoryOf(err) == domain.CategoryValidation:
		code = codes.InvalidArgument
	}
	if code == codes.Internal {
		h.logger.Printf("internal error: %v", err)
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

// RegisterMarketplaceServer registers srv on s.
func RegisterMarketplaceServer(s grpc.ServiceRegistrar, srv MarketplaceServer) {
	s.RegisterService(&marketplaceServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(MarketplaceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			if interceptor == nil {
				return call(srv.(MarketplaceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(method),
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(MarketplaceServer), ctx, req.(*Req))
			})
		},
	}
}

var marketplaceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MarketplaceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("PublishApp", MarketplaceServer.PublishApp),
		unaryHandler("ListApps", MarketplaceServer.ListApps),
		unaryHandler("BuyApp", MarketplaceServer.BuyApp),
		unaryHandler("ListBuyerApps", MarketplaceServer.ListBuyerApps),
		unaryHandler("ListAppBuyers", MarketplaceServer.ListAppBuyers),
	},
	Streams: []grpc.StreamDesc{},
}

// FullMethod returns the invocation path of a marketplace method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

var _ MarketplaceServer = (*GRPCHandler)(nil)
