package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/util/homedir"

	"github.com/gluk-w/claworc/shell-relay/internal/shell"
)

// KubernetesSpawner runs session commands with pod exec.
type KubernetesSpawner struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	namespace  string
	inCluster  bool
}

// NewKubernetesSpawner loads the in-cluster config, falling back to
// kubeconfig (or the default kubeconfig location), and checks that the
// namespace is reachable.
func NewKubernetesSpawner(ctx context.Context, kubeconfig, namespace string) (*KubernetesSpawner, error) {
	k := &KubernetesSpawner{namespace: namespace}

	cfg, err := rest.InClusterConfig()
	if err == nil && kubeconfig == "" {
		k.inCluster = true
	} else {
		if kubeconfig == "" {
			kubeconfig = clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		}
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("k8s config: %w", err)
		}
	}

	k.restConfig = cfg
	k.clientset, err = kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}

	if _, err := k.clientset.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{}); err != nil {
		return nil, fmt.Errorf("k8s namespace check: %w", err)
	}

	log.Printf("[orchestrator] Kubernetes API connected (namespace %s, in-cluster=%v)", namespace, k.inCluster)
	return k, nil
}

// podTarget is a parsed CommandSpec.Target: "pod", "pod/container",
// or a label selector such as "app=web" (optionally "app=web/container").
type podTarget struct {
	Pod       string
	Selector  string
	Container string
}

func parseTarget(target string) (podTarget, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return podTarget{}, fmt.Errorf("kubernetes backend requires a target pod")
	}
	var t podTarget
	name := target
	if i := strings.LastIndex(target, "/"); i >= 0 {
		name, t.Container = target[:i], target[i+1:]
		if name == "" || t.Container == "" {
			return podTarget{}, fmt.Errorf("invalid pod target %q", target)
		}
	}
	if strings.Contains(name, "=") {
		t.Selector = name
	} else {
		t.Pod = name
	}
	return t, nil
}

// resolvePod returns the pod to exec into. Selectors pick the first
// running pod that matches.
func (k *KubernetesSpawner) resolvePod(ctx context.Context, t podTarget) (string, error) {
	if t.Pod != "" {
		return t.Pod, nil
	}
	pods, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: t.Selector,
	})
	if err != nil {
		return "", err
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning {
			return pod.Name, nil
		}
	}
	return "", fmt.Errorf("no running pod found for selector %s", t.Selector)
}

// Spawn starts spec in the target pod.
func (k *KubernetesSpawner) Spawn(ctx context.Context, spec shell.CommandSpec) (shell.Process, error) {
	target, err := parseTarget(spec.Target)
	if err != nil {
		return nil, err
	}
	podName, err := k.resolvePod(ctx, target)
	if err != nil {
		return nil, err
	}

	cmd := spec.Argv()
	if len(spec.Env) > 0 || spec.Dir != "" {
		cmd = wrapEnv(spec)
	}

	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(k.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: target.Container,
			Command:   cmd,
			Stdin:     true,
			Stdout:    true,
			Stderr:    !spec.TTY,
			TTY:       spec.TTY,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(k.restConfig, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}

	return startPodExec(exec, spec), nil
}

// wrapEnv runs the command through env(1) so pod exec, which has no
// environment or working directory options, still honors them.
func wrapEnv(spec shell.CommandSpec) []string {
	argv := []string{"env"}
	if spec.Dir != "" {
		argv = append(argv, "-C", spec.Dir)
	}
	argv = append(argv, spec.EnvList()...)
	return append(argv, spec.Argv()...)
}

// termSizeQueue implements remotecommand.TerminalSizeQueue via a channel.
type termSizeQueue struct {
	ch chan remotecommand.TerminalSize
}

func (q *termSizeQueue) Next() *remotecommand.TerminalSize {
	size, ok := <-q.ch
	if !ok {
		return nil
	}
	return &size
}

// podProcess is a streaming pod exec.
type podProcess struct {
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	tty     bool

	sizeMu     sync.Mutex
	sizeCh     chan remotecommand.TerminalSize
	sizeClosed bool

	cancel context.CancelFunc

	done     chan struct{}
	exitCode int
	waitErr  error

	termOnce sync.Once
}

func startPodExec(exec remotecommand.Executor, spec shell.CommandSpec) *podProcess {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	p := &podProcess{
		stdinW:   stdinW,
		stdoutR:  stdoutR,
		tty:      spec.TTY,
		cancel:   cancel,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	opts := remotecommand.StreamOptions{
		Stdin:  stdinR,
		Stdout: stdoutW,
		Tty:    spec.TTY,
	}
	if spec.TTY {
		p.sizeCh = make(chan remotecommand.TerminalSize, 1)
		p.sizeCh <- remotecommand.TerminalSize{Width: spec.Cols, Height: spec.Rows}
		opts.TerminalSizeQueue = &termSizeQueue{ch: p.sizeCh}
	} else {
		// io.Pipe serializes concurrent writers, so both streams merge.
		opts.Stderr = stdoutW
	}

	go func() {
		defer close(p.done)
		err := exec.StreamWithContext(ctx, opts)
		stdoutW.Close()
		stdinR.Close()
		p.closeSizes()
		p.exitCode, p.waitErr = exitStatus(err)
	}()
	return p
}

// exitStatus maps a stream error to an exit code the way kubectl does:
// a CodeExitError carries the remote status, anything else is a failure.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(interface{ ExitStatus() int }); ok {
		return exitErr.ExitStatus(), nil
	}
	if errors.Is(err, context.Canceled) {
		return -1, nil
	}
	return -1, fmt.Errorf("k8s exec stream: %w", err)
}

func (p *podProcess) Stdin() io.Writer  { return p.stdinW }
func (p *podProcess) Stdout() io.Reader { return p.stdoutR }

func (p *podProcess) Resize(cols, rows uint16) error {
	if !p.tty {
		return shell.ErrNoTTY
	}
	p.sizeMu.Lock()
	defer p.sizeMu.Unlock()
	if p.sizeClosed {
		return nil
	}
	// Drain any pending size so the new one is always delivered
	select {
	case <-p.sizeCh:
	default:
	}
	p.sizeCh <- remotecommand.TerminalSize{Width: cols, Height: rows}
	return nil
}

func (p *podProcess) closeSizes() {
	if p.sizeCh == nil {
		return
	}
	p.sizeMu.Lock()
	defer p.sizeMu.Unlock()
	if !p.sizeClosed {
		p.sizeClosed = true
		close(p.sizeCh)
	}
}

// Terminate sends EOF on stdin and cancels the stream after grace, which
// tears down the SPDY connection and with it the remote process.
func (p *podProcess) Terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		p.stdinW.Close()
		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				p.cancel()
			}
			p.stdoutR.Close()
		}()
	})
}

func (p *podProcess) Wait() (int, error) {
	<-p.done
	p.cancel()
	return p.exitCode, p.waitErr
}
