package inventory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sirupsen/logrus"

	"github.com/agent462/drover/internal/config"
	"github.com/agent462/drover/internal/logging"
	"github.com/agent462/drover/internal/target"
)

// Instance tags read by the EC2 directory.
const (
	TagName    = "Name"
	TagProject = "Project"
	TagRoles   = "Roles"
	TagStages  = "Stages"
)

// Instance is a running EC2 instance as seen by discovery.
type Instance struct {
	ID        string
	Name      string
	DNSName   string
	PublicIP  string
	PrivateIP string
	Zone      string
	Roles     []string
	Stages    []string
}

// ContactPoint returns the address used to reach the instance: the public
// DNS name, else the public IP, else the private IP. usePrivateIP forces the
// private IP.
func (i Instance) ContactPoint(usePrivateIP bool) string {
	if usePrivateIP {
		return i.PrivateIP
	}
	for _, addr := range []string{i.DNSName, i.PublicIP, i.PrivateIP} {
		if addr != "" {
			return addr
		}
	}
	return ""
}

// HasRole reports whether the Roles tag lists role.
func (i Instance) HasRole(role string) bool {
	return containsFold(i.Roles, role)
}

// EC2Directory discovers hosts from instance tags. Instances are fetched
// once and reused for InstanceID lookups.
type EC2Directory struct {
	api          ec2.DescribeInstancesAPIClient
	project      string
	stage        string
	usePrivateIP bool
	logger       *logrus.Entry

	mu        sync.Mutex
	instances []Instance
	loaded    bool
}

// NewEC2Directory creates a directory scoped by the project and stage tags
// in settings.
func NewEC2Directory(api ec2.DescribeInstancesAPIClient, settings config.AWS, logger *logrus.Entry) *EC2Directory {
	return &EC2Directory{
		api:          api,
		project:      settings.ProjectTag,
		stage:        settings.Stage,
		usePrivateIP: settings.UsePrivateIP,
		logger:       logging.OrDiscard(logger).WithField("subservice", "inventory"),
	}
}

// NewEC2DirectoryFromConfig creates a directory using the SDK's default
// service client for cfg.
func NewEC2DirectoryFromConfig(cfg aws.Config, settings config.AWS, logger *logrus.Entry) *EC2Directory {
	return NewEC2Directory(ec2.NewFromConfig(cfg), settings, logger)
}

// Resolve implements Directory. Roles with static hosts keep them; other
// roles are filled from instances whose Roles tag lists the role.
func (d *EC2Directory) Resolve(ctx context.Context, roles []config.Role) (target.Mapping, error) {
	instances, err := d.Instances(ctx)
	if err != nil {
		return nil, err
	}

	m := make(target.Mapping, 0, len(roles))
	for _, role := range roles {
		if len(role.Hosts) > 0 {
			static, _ := Static{}.Resolve(ctx, []config.Role{role})
			m = append(m, static...)
			continue
		}

		rh := target.RoleHosts{Role: role.Name}
		for _, inst := range instances {
			if !inst.HasRole(role.Name) {
				continue
			}
			addr := inst.ContactPoint(d.usePrivateIP)
			if addr == "" {
				d.logger.WithField("instance", inst.ID).Warn("Instance has no reachable address, skipping")
				continue
			}
			d.logger.WithFields(logrus.Fields{
				"role":     role.Name,
				"instance": inst.ID,
				"name":     inst.Name,
				"zone":     inst.Zone,
				"address":  addr,
			}).Debug("Instance matched role")
			rh.Hosts = append(rh.Hosts, target.HostEntry{
				Address: addr,
				Options: roleOptions(role, inst.Name),
			})
		}
		d.logger.WithFields(logrus.Fields{
			"role":  role.Name,
			"hosts": len(rh.Hosts),
		}).Debug("Resolved role from instance tags")
		m = append(m, rh)
	}
	return m, nil
}

// Instances returns the running instances of the project and stage.
func (d *EC2Directory) Instances(ctx context.Context) ([]Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded {
		return d.instances, nil
	}

	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		},
	}
	if d.project != "" {
		input.Filters = append(input.Filters, types.Filter{
			Name:   aws.String("tag:" + TagProject),
			Values: []string{d.project},
		})
	}

	var instances []Instance
	paginator := ec2.NewDescribeInstancesPaginator(d.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}
		for _, res := range page.Reservations {
			for _, raw := range res.Instances {
				inst := fromEC2(raw)
				// Stages is a list tag, so it cannot be filtered server side.
				if d.stage != "" && !containsFold(inst.Stages, d.stage) {
					continue
				}
				instances = append(instances, inst)
			}
		}
	}

	d.logger.WithFields(logrus.Fields{
		"project":   d.project,
		"stage":     d.stage,
		"instances": len(instances),
	}).Info("Discovered instances")

	d.instances = instances
	d.loaded = true
	return instances, nil
}

// InstanceID maps a deploy address (contact point, IP or Name tag) back to
// its instance ID.
func (d *EC2Directory) InstanceID(ctx context.Context, host string) (string, error) {
	instances, err := d.Instances(ctx)
	if err != nil {
		return "", err
	}
	host = target.Hostname(host)
	for _, inst := range instances {
		switch host {
		case inst.ID, inst.Name, inst.DNSName, inst.PublicIP, inst.PrivateIP:
			return inst.ID, nil
		}
	}
	return "", fmt.Errorf("no running instance matches %s", host)
}

func fromEC2(raw types.Instance) Instance {
	inst := Instance{
		ID:        aws.ToString(raw.InstanceId),
		DNSName:   aws.ToString(raw.PublicDnsName),
		PublicIP:  aws.ToString(raw.PublicIpAddress),
		PrivateIP: aws.ToString(raw.PrivateIpAddress),
	}
	if raw.Placement != nil {
		inst.Zone = aws.ToString(raw.Placement.AvailabilityZone)
	}
	for _, tag := range raw.Tags {
		val := aws.ToString(tag.Value)
		switch aws.ToString(tag.Key) {
		case TagName:
			inst.Name = val
		case TagRoles:
			inst.Roles = splitList(val)
		case TagStages:
			inst.Stages = splitList(val)
		}
	}
	if inst.Name == "" {
		inst.Name = inst.ID
	}
	return inst
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
