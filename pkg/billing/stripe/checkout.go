package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/rewordgate/pkg/billing"
	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

// CheckoutSession creates a subscription Checkout Session and returns its id.
// The account's Stripe customer is reused, or created and recorded on first checkout.
func (p *Provider) CheckoutSession(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	if req.AccountID == "" {
		return "", entitlement.ErrInvalidAccount
	}

	customerID, err := p.ensureCustomer(ctx, req.AccountID, req.Email)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(req.AccountID),
		LineItems:         []*stripe.CheckoutSessionCreateLineItemParams{p.lineItem()},
		SuccessURL: stripe.String(fmt.Sprintf("%s/success?session_id={CHECKOUT_SESSION_ID}&reinstated=%t",
			p.clientURL, req.IsReinstatement)),
		CancelURL: stripe.String(p.clientURL + "/cancel"),
	}
	params.AddMetadata(MetadataAccountKey, req.AccountID)

	// subscription metadata lets webhooks resolve the account without a customer lookup
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(MetadataAccountKey, req.AccountID)

	var session *stripe.CheckoutSession
	err = p.call(ctx, "/checkout/sessions", func(ctx context.Context) error {
		var e error
		session, e = p.api.CreateCheckoutSession(ctx, params)
		return e
	})
	if err != nil {
		return "", err
	}

	p.logger.Info("checkout session created",
		entitlement.Field{Key: "account_id", Value: req.AccountID},
		entitlement.Field{Key: "session_id", Value: session.ID},
		entitlement.Field{Key: "reinstatement", Value: req.IsReinstatement})
	return session.ID, nil
}

func (p *Provider) lineItem() *stripe.CheckoutSessionCreateLineItemParams {
	if p.priceID != "" {
		return &stripe.CheckoutSessionCreateLineItemParams{
			Price:    stripe.String(p.priceID),
			Quantity: stripe.Int64(1),
		}
	}
	return &stripe.CheckoutSessionCreateLineItemParams{
		PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
			Currency: stripe.String(p.price.Currency),
			ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
				Name: stripe.String(p.price.ProductName),
			},
			UnitAmount: stripe.Int64(p.price.UnitAmount),
			Recurring: &stripe.CheckoutSessionCreateLineItemPriceDataRecurringParams{
				Interval: stripe.String(p.price.Interval),
			},
		},
		Quantity: stripe.Int64(1),
	}
}

// ensureCustomer returns the account's Stripe customer, creating it if needed.
// Store failures abort the checkout so a second customer is never created.
func (p *Provider) ensureCustomer(ctx context.Context, accountID, email string) (string, error) {
	ent, err := p.store.GetEntitlement(ctx, accountID)
	if err != nil {
		return "", err
	}
	if ent.BillingCustomerID != nil && *ent.BillingCustomerID != "" {
		return *ent.BillingCustomerID, nil
	}

	if email == "" {
		email = ent.Email
	}
	params := &stripe.CustomerCreateParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(MetadataAccountKey, accountID)

	var cust *stripe.Customer
	err = p.call(ctx, "/customers/create", func(ctx context.Context) error {
		var e error
		cust, e = p.api.CreateCustomer(ctx, params)
		return e
	})
	if err != nil {
		return "", err
	}

	if err := p.store.SetBillingCustomerID(ctx, accountID, cust.ID); err != nil {
		// the customer metadata still resolves the account for webhooks
		p.logger.Warn("failed to record billing customer",
			entitlement.Field{Key: "account_id", Value: accountID},
			entitlement.Field{Key: "customer_id", Value: cust.ID},
			entitlement.Field{Key: "error", Value: err.Error()})
	}
	return cust.ID, nil
}

// PortalURL creates a Customer Portal session returning to the client URL.
func (p *Provider) PortalURL(ctx context.Context, accountID string) (string, error) {
	customerID, err := p.resolveCustomer(ctx, accountID)
	if err != nil {
		return "", err
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(p.clientURL),
	}
	if p.portalConfig != "" {
		params.Configuration = stripe.String(p.portalConfig)
	}

	var session *stripe.BillingPortalSession
	err = p.call(ctx, "/billing_portal/sessions", func(ctx context.Context) error {
		var e error
		session, e = p.api.CreatePortalSession(ctx, params)
		return e
	})
	if err != nil {
		return "", err
	}
	return session.URL, nil
}

// resolveCustomer finds the account's customer from the record, or through its stored
// subscription, in which case the customer id is written back.
func (p *Provider) resolveCustomer(ctx context.Context, accountID string) (string, error) {
	ent, err := p.store.GetEntitlement(ctx, accountID)
	if errors.Is(err, entitlement.ErrAccountNotFound) {
		return "", fmt.Errorf("%w: %s", billing.ErrNoBillingIdentity, accountID)
	}
	if err != nil {
		return "", err
	}
	if ent.BillingCustomerID != nil && *ent.BillingCustomerID != "" {
		return *ent.BillingCustomerID, nil
	}
	if ent.SubscriptionID == nil {
		return "", fmt.Errorf("%w: %s", billing.ErrNoBillingIdentity, accountID)
	}

	sub, err := p.retrieveSubscription(ctx, *ent.SubscriptionID)
	if err != nil {
		return "", err
	}
	if sub.CustomerID == "" {
		return "", fmt.Errorf("%w: %s", billing.ErrNoBillingIdentity, accountID)
	}

	if err := p.store.SetBillingCustomerID(ctx, accountID, sub.CustomerID); err != nil {
		p.logger.Warn("failed to record billing customer",
			entitlement.Field{Key: "account_id", Value: accountID},
			entitlement.Field{Key: "error", Value: err.Error()})
	}
	return sub.CustomerID, nil
}

func (p *Provider) retrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	var raw *stripe.Subscription
	err := p.call(ctx, "/subscriptions/retrieve", func(ctx context.Context) error {
		var e error
		raw, e = p.api.RetrieveSubscription(ctx, id)
		return e
	})
	if err != nil {
		return nil, err
	}
	return fromAPI(raw)
}
