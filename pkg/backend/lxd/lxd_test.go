package lxd

import (
	"testing"

	"github.com/canonical/lxd/shared/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tispace-dev/tispace/pkg/types"
)

func TestImageAliasCoversAllFiveImages(t *testing.T) {
	cases := map[types.Image]string{
		types.ImageCentOS7:       "centos/7",
		types.ImageCentOS8:       "centos/8",
		types.ImageCentOS9Stream: "centos/9-Stream",
		types.ImageUbuntu2004:    "ubuntu/20.04",
		types.ImageUbuntu2204:    "ubuntu/22.04",
	}
	for img, want := range cases {
		got, err := imageAlias(img)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestImageAliasRejectsUnknownImage(t *testing.T) {
	_, err := imageAlias(types.Image("bogus"))
	assert.Error(t, err)
}

func TestImageTypeForDistinguishesKVMFromContainers(t *testing.T) {
	assert.Equal(t, "virtual-machine", imageTypeFor(types.RuntimeKVM))
	assert.Equal(t, "container", imageTypeFor(types.RuntimeLXC))
}

func TestFirstGlobalIPv4PrefersEth0ThenFallsBackToEnp5s0(t *testing.T) {
	state := &api.InstanceState{
		Network: map[string]api.InstanceStateNetwork{
			"lo": {
				Addresses: []api.InstanceStateNetworkAddress{
					{Family: "inet", Scope: "local", Address: "127.0.0.1"},
				},
			},
			"enp5s0": {
				Addresses: []api.InstanceStateNetworkAddress{
					{Family: "inet", Scope: "global", Address: "192.168.1.20"},
				},
			},
		},
	}
	assert.Equal(t, "192.168.1.20", FirstGlobalIPv4(state))
}

func TestFirstGlobalIPv4ReturnsEmptyWithNoNetworkInfo(t *testing.T) {
	assert.Empty(t, FirstGlobalIPv4(nil))
	assert.Empty(t, FirstGlobalIPv4(&api.InstanceState{}))
}

func TestFirstGlobalIPv4SkipsLinkLocalAddresses(t *testing.T) {
	state := &api.InstanceState{
		Network: map[string]api.InstanceStateNetwork{
			"eth0": {
				Addresses: []api.InstanceStateNetworkAddress{
					{Family: "inet6", Scope: "link", Address: "fe80::1"},
					{Family: "inet", Scope: "global", Address: "10.20.0.5"},
				},
			},
		},
	}
	assert.Equal(t, "10.20.0.5", FirstGlobalIPv4(state))
}
