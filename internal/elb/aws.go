package elb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awselb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing/types"
)

// API is the subset of the classic load balancing client AWSClient uses.
type API interface {
	DescribeLoadBalancers(ctx context.Context, in *awselb.DescribeLoadBalancersInput, optFns ...func(*awselb.Options)) (*awselb.DescribeLoadBalancersOutput, error)
	DescribeInstanceHealth(ctx context.Context, in *awselb.DescribeInstanceHealthInput, optFns ...func(*awselb.Options)) (*awselb.DescribeInstanceHealthOutput, error)
	RegisterInstancesWithLoadBalancer(ctx context.Context, in *awselb.RegisterInstancesWithLoadBalancerInput, optFns ...func(*awselb.Options)) (*awselb.RegisterInstancesWithLoadBalancerOutput, error)
	DeregisterInstancesFromLoadBalancer(ctx context.Context, in *awselb.DeregisterInstancesFromLoadBalancerInput, optFns ...func(*awselb.Options)) (*awselb.DeregisterInstancesFromLoadBalancerOutput, error)
}

// InstanceResolver maps a deploy address to its EC2 instance ID.
type InstanceResolver interface {
	InstanceID(ctx context.Context, host string) (string, error)
}

// AWSClient implements Client against classic Elastic Load Balancing.
type AWSClient struct {
	api       API
	instances InstanceResolver
	fixedName string
}

// AWSOption configures an AWSClient.
type AWSOption func(*AWSClient)

// WithLoadBalancerName pins every host to one load balancer instead of
// searching for the one that lists the instance.
func WithLoadBalancerName(name string) AWSOption {
	return func(c *AWSClient) { c.fixedName = name }
}

// NewAWSClient creates a client over api.
func NewAWSClient(api API, instances InstanceResolver, opts ...AWSOption) *AWSClient {
	c := &AWSClient{api: api, instances: instances}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewAWSClientFromConfig creates a client using the SDK's default service
// client for cfg.
func NewAWSClientFromConfig(cfg aws.Config, instances InstanceResolver, opts ...AWSOption) *AWSClient {
	return NewAWSClient(awselb.NewFromConfig(cfg), instances, opts...)
}

// Lookup finds the load balancer that has host's instance as a member.
func (c *AWSClient) Lookup(ctx context.Context, host string) (*Handle, error) {
	id, err := c.instances.InstanceID(ctx, host)
	if err != nil {
		return nil, err
	}

	if c.fixedName != "" {
		lb, err := c.describe(ctx, c.fixedName)
		if err != nil {
			return nil, err
		}
		return &Handle{Name: c.fixedName, MemberCount: len(lb.Instances)}, nil
	}

	in := &awselb.DescribeLoadBalancersInput{}
	for {
		out, err := c.api.DescribeLoadBalancers(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("describe load balancers: %w", err)
		}
		for _, lb := range out.LoadBalancerDescriptions {
			if hasInstance(lb.Instances, id) {
				return &Handle{
					Name:        aws.ToString(lb.LoadBalancerName),
					MemberCount: len(lb.Instances),
				}, nil
			}
		}
		if aws.ToString(out.NextMarker) == "" {
			return nil, nil
		}
		in.Marker = out.NextMarker
	}
}

// Deregister removes host's instance from its load balancer.
func (c *AWSClient) Deregister(ctx context.Context, host string) (*Handle, error) {
	h, err := c.Lookup(ctx, host)
	if err != nil || h == nil {
		return h, err
	}
	id, err := c.instances.InstanceID(ctx, host)
	if err != nil {
		return nil, err
	}

	_, err = c.api.DeregisterInstancesFromLoadBalancer(ctx, &awselb.DeregisterInstancesFromLoadBalancerInput{
		LoadBalancerName: aws.String(h.Name),
		Instances:        []types.Instance{{InstanceId: aws.String(id)}},
	})
	if err != nil {
		return nil, fmt.Errorf("deregister %s from %s: %w", id, h.Name, err)
	}
	return h, nil
}

// Register adds host's instance to h.
func (c *AWSClient) Register(ctx context.Context, host string, h *Handle) error {
	id, err := c.instances.InstanceID(ctx, host)
	if err != nil {
		return err
	}

	_, err = c.api.RegisterInstancesWithLoadBalancer(ctx, &awselb.RegisterInstancesWithLoadBalancerInput{
		LoadBalancerName: aws.String(h.Name),
		Instances:        []types.Instance{{InstanceId: aws.String(id)}},
	})
	if err != nil {
		return fmt.Errorf("register %s with %s: %w", id, h.Name, err)
	}
	return nil
}

// MemberState reports the health of host's instance on h.
func (c *AWSClient) MemberState(ctx context.Context, h *Handle, host string) (State, error) {
	id, err := c.instances.InstanceID(ctx, host)
	if err != nil {
		return StateUnknown, err
	}

	out, err := c.api.DescribeInstanceHealth(ctx, &awselb.DescribeInstanceHealthInput{
		LoadBalancerName: aws.String(h.Name),
		Instances:        []types.Instance{{InstanceId: aws.String(id)}},
	})
	if err != nil {
		return StateUnknown, fmt.Errorf("describe instance health on %s: %w", h.Name, err)
	}

	for _, st := range out.InstanceStates {
		if aws.ToString(st.InstanceId) != id {
			continue
		}
		switch s := State(aws.ToString(st.State)); s {
		case StateInService, StateOutOfService:
			return s, nil
		}
	}
	return StateUnknown, nil
}

// MemberCount returns the number of instances registered with h.
func (c *AWSClient) MemberCount(ctx context.Context, h *Handle) (int, error) {
	lb, err := c.describe(ctx, h.Name)
	if err != nil {
		return 0, err
	}
	return len(lb.Instances), nil
}

func (c *AWSClient) describe(ctx context.Context, name string) (types.LoadBalancerDescription, error) {
	out, err := c.api.DescribeLoadBalancers(ctx, &awselb.DescribeLoadBalancersInput{
		LoadBalancerNames: []string{name},
	})
	if err != nil {
		return types.LoadBalancerDescription{}, fmt.Errorf("describe load balancer %s: %w", name, err)
	}
	if len(out.LoadBalancerDescriptions) == 0 {
		return types.LoadBalancerDescription{}, fmt.Errorf("load balancer %s not found", name)
	}
	return out.LoadBalancerDescriptions[0], nil
}

func hasInstance(instances []types.Instance, id string) bool {
	for _, in := range instances {
		if aws.ToString(in.InstanceId) == id {
			return true
		}
	}
	return false
}
