package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelAccount   = "smarter.sh/account"
	labelChatBot   = "smarter.sh/chatbot"
	managedBy      = "smarter"
)

// Kubernetes publishes each chatbot as a ConfigMap that the ingress
// controller of the cluster reads its routing from.
type Kubernetes struct {
	client    k8s.Interface
	namespace string
	scheme    string
}

func NewKubernetes(client k8s.Interface, namespace string) *Kubernetes {
	if namespace == "" {
		namespace = "smarter"
	}
	return &Kubernetes{client: client, namespace: namespace, scheme: "https"}
}

// LoadKubeConfig builds a rest config from kubeconfig, falling back to
// $HOME/.kube/config and then to the in-cluster service account.
func LoadKubeConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if env := os.Getenv("KUBECONFIG"); env != "" {
			kubeconfig = env
		} else if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".kube", "config")
			if _, err := os.Stat(candidate); err == nil {
				kubeconfig = candidate
			}
		}
	}
	if kubeconfig == "" {
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes config: %w", err)
	}
	return cfg, nil
}

// NewKubernetesFromConfig connects using kubeconfig (may be empty).
func NewKubernetesFromConfig(kubeconfig, namespace string) (*Kubernetes, error) {
	cfg, err := LoadKubeConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	client, err := k8s.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return NewKubernetes(client, namespace), nil
}

func configMapName(spec Spec) string {
	return "chatbot-" + strings.ReplaceAll(spec.ResourceID, "_", "-")
}

func (k *Kubernetes) configMap(spec Spec) *kubecore.ConfigMap {
	data := map[string]string{
		"hostname": spec.Hostname,
		"name":     spec.Name,
		"account":  spec.AccountNumber,
		"plugins":  strings.Join(spec.Plugins, ","),
	}
	keys := make([]string, 0, len(spec.Config))
	for key := range spec.Config {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		data["config."+key] = spec.Config[key]
	}
	return &kubecore.ConfigMap{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:      configMapName(spec),
			Namespace: k.namespace,
			Labels: map[string]string{
				labelManagedBy: managedBy,
				labelAccount:   spec.AccountID,
				labelChatBot:   strings.ReplaceAll(spec.Name, "_", "-"),
			},
		},
		Data: data,
	}
}

func (k *Kubernetes) Provision(ctx context.Context, spec Spec) (Result, error) {
	desired := k.configMap(spec)
	cms := k.client.CoreV1().ConfigMaps(k.namespace)
	_, err := cms.Create(ctx, desired, kubeapimeta.CreateOptions{})
	if kubeerr.IsAlreadyExists(err) {
		current, getErr := cms.Get(ctx, desired.Name, kubeapimeta.GetOptions{})
		if getErr != nil {
			return Result{}, classify("provision", getErr)
		}
		current.Labels = desired.Labels
		current.Data = desired.Data
		_, err = cms.Update(ctx, current, kubeapimeta.UpdateOptions{})
	}
	if err != nil {
		return Result{}, classify("provision", err)
	}
	return Result{URL: k.scheme + "://" + spec.Hostname + "/", Detail: "configmap " + k.namespace + "/" + desired.Name}, nil
}

func (k *Kubernetes) Teardown(ctx context.Context, spec Spec) error {
	err := k.client.CoreV1().ConfigMaps(k.namespace).Delete(ctx, configMapName(spec), kubeapimeta.DeleteOptions{})
	if err == nil || kubeerr.IsNotFound(err) { // already gone
		return nil
	}
	return classify("teardown", err)
}

func (k *Kubernetes) Health(ctx context.Context) Health {
	_, err := k.client.CoreV1().ConfigMaps(k.namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: labelManagedBy + "=" + managedBy,
		Limit:         1,
	})
	if err != nil {
		return Health{Ready: false, Detail: err.Error()}
	}
	return Health{Ready: true, Detail: "kubernetes namespace " + k.namespace}
}

func classify(op string, err error) error {
	retryable := kubeerr.IsServerTimeout(err) || kubeerr.IsTimeout(err) || kubeerr.IsTooManyRequests(err) ||
		kubeerr.IsServiceUnavailable(err) || kubeerr.IsInternalError(err) || kubeerr.IsConflict(err) ||
		kubeerr.IsUnexpectedServerError(err)
	if kubeerr.IsInvalid(err) || kubeerr.IsForbidden(err) || kubeerr.IsBadRequest(err) {
		retryable = false
	} else if kubeerr.ReasonForError(err) == kubeapimeta.StatusReasonUnknown {
		// transport failures carry no API status
		retryable = true
	}
	return &Error{Op: op, Retryable: retryable, Err: err}
}
