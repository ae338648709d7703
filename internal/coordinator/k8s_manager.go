package coordinator

import (
	"bufio"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	"rvexec/internal/runner"
)

// ErrJobFailed 表示执行器 Job 以失败状态结束。
var ErrJobFailed = errors.New("executor job failed")

//go:embed job.yaml
var defaultJobTemplate []byte

// KubeManager 负责与 Kubernetes API 交互，贯穿任务创建、监控与清理。
type KubeManager struct {
	client   kubernetes.Interface
	cfg      Config
	log      Logger
	template *batchv1.Job
}

// NewKubeManager 优先使用集群内配置，失败时回退到本地 kubeconfig。
func NewKubeManager(cfg Config) (*KubeManager, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		restCfg, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("build kube config: %w", err)
		}
	}

	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}
	return NewKubeManagerWithClient(cs, cfg)
}

// NewKubeManagerWithClient 使用现成的 clientset（测试中为 fake）构建管理器并加载模板。
func NewKubeManagerWithClient(client kubernetes.Interface, cfg Config) (*KubeManager, error) {
	cfg.applyDefaults()
	m := &KubeManager{
		client: client,
		cfg:    cfg,
		log:    defaultLogger(cfg.Log),
	}
	if err := m.LoadTemplate(cfg.JobTemplate); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadTemplate 读取 Job 模板并缓存，后续任务可直接复用骨架；path 为空时使用内置模板。
func (m *KubeManager) LoadTemplate(path string) error {
	data := defaultJobTemplate
	source := "built-in template"
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read job template: %w", err)
		}
		source = path
	}
	var job batchv1.Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("unmarshal job template: %w", err)
	}
	if len(job.Spec.Template.Spec.Containers) == 0 {
		return fmt.Errorf("job template %s has no containers", source)
	}
	m.template = job.DeepCopy()
	m.log.Infof("loaded job template from %s", source)
	return nil
}

// RunTask 实现 Runner：创建 Job、等待完成、解析执行器输出，最后清理资源。
func (m *KubeManager) RunTask(ctx context.Context, task TaskRequest, program []byte) (*runner.Output, error) {
	jobName, configMaps, err := m.CreateJob(ctx, task, program)
	if err != nil {
		return nil, err
	}
	defer m.DeleteArtifacts(context.WithoutCancel(ctx), jobName, configMaps...)

	job, err := m.WaitForJob(ctx, jobName)
	if err != nil {
		return nil, fmt.Errorf("wait job %s: %w", jobName, err)
	}

	logs, err := m.FetchJobLogs(ctx, jobName)
	if err != nil {
		m.log.Warnf("fetch logs %s: %v", jobName, err)
	}
	out, parseErr := runner.ParseOutput(logs)

	if job.Status.Succeeded == 0 {
		reason := "no condition reported"
		if len(job.Status.Conditions) > 0 {
			reason = job.Status.Conditions[0].Message
		}
		if parseErr == nil && out.Error != "" {
			reason = out.Error
		}
		return out, fmt.Errorf("%w: %s: %s", ErrJobFailed, jobName, reason)
	}
	if parseErr != nil {
		return &runner.Output{Program: task.ProgramCID, Logs: logs}, fmt.Errorf("job %s: %w", jobName, parseErr)
	}
	return out, nil
}

// CreateJob 将程序镜像/输入写入 ConfigMap，并基于模板创建一次性 Job。
func (m *KubeManager) CreateJob(ctx context.Context, task TaskRequest, program []byte) (string, []string, error) {
	if m.template == nil {
		return "", nil, fmt.Errorf("job template not loaded")
	}
	ns := m.cfg.Namespace

	jobName := m.jobName(task.TaskID)
	var configMaps []string

	programCM := m.configMapName(task.TaskID)
	m.log.Infof("task %s: creating program configmap %s", task.TaskID, programCM)
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      programCM,
			Namespace: ns,
			Labels:    taskLabels(task.TaskID),
		},
		BinaryData: map[string][]byte{
			programFileName(task.ProgramCID): program,
		},
	}
	if _, err := m.client.CoreV1().ConfigMaps(ns).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		m.log.Errorf("task %s: create program configmap failed: %v", task.TaskID, err)
		return "", nil, fmt.Errorf("create program configmap: %w", err)
	}
	configMaps = append(configMaps, programCM)

	var inputCM string
	if len(task.InputJSON) > 0 {
		inputCM = m.inputConfigMapName(task.TaskID)
		m.log.Infof("task %s: creating input configmap %s", task.TaskID, inputCM)
		in := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:      inputCM,
				Namespace: ns,
				Labels:    taskLabels(task.TaskID),
			},
			Data: map[string]string{inputFileName: string(task.InputJSON)},
		}
		if _, err := m.client.CoreV1().ConfigMaps(ns).Create(ctx, in, metav1.CreateOptions{}); err != nil {
			m.log.Errorf("task %s: create input configmap failed: %v", task.TaskID, err)
			m.deleteConfigMaps(ctx, configMaps)
			return "", nil, fmt.Errorf("create input configmap: %w", err)
		}
		configMaps = append(configMaps, inputCM)
	}

	job, err := m.buildJobSpec(task, jobName, programCM, inputCM)
	if err != nil {
		m.deleteConfigMaps(ctx, configMaps)
		return "", nil, err
	}
	if _, err := m.client.BatchV1().Jobs(ns).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		m.log.Errorf("task %s: create job %s failed: %v", task.TaskID, jobName, err)
		m.deleteConfigMaps(ctx, configMaps)
		return "", nil, fmt.Errorf("create job: %w", err)
	}

	m.log.Infof("task %s: job %s created successfully", task.TaskID, jobName)
	return jobName, configMaps, nil
}

// WaitForJob 轮询 Job 直到成功、失败或上下文被取消。
func (m *KubeManager) WaitForJob(ctx context.Context, jobName string) (*batchv1.Job, error) {
	m.log.Infof("waiting for job %s to complete", jobName)
	var job *batchv1.Job
	err := wait.PollUntilContextCancel(ctx, m.cfg.PollInterval, true, func(ctx context.Context) (bool, error) {
		j, err := m.client.BatchV1().Jobs(m.cfg.Namespace).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		if j.Status.Failed > 0 || j.Status.Succeeded > 0 {
			job = j
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		m.log.Warnf("wait job %s interrupted: %v", jobName, err)
		return nil, err
	}
	m.log.Infof("job %s finished (succeeded=%d failed=%d)", jobName, job.Status.Succeeded, job.Status.Failed)
	return job, nil
}

// FetchJobLogs 拉取 Job 第一个 Pod 的日志，供协调器解析输出。
func (m *KubeManager) FetchJobLogs(ctx context.Context, jobName string) (string, error) {
	ns := m.cfg.Namespace
	job, err := m.client.BatchV1().Jobs(ns).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		return "", err
	}

	var selector labels.Selector
	if job.Spec.Selector != nil {
		selector = labels.Set(job.Spec.Selector.MatchLabels).AsSelector()
	} else {
		selector = labels.SelectorFromSet(map[string]string{
			labelManagedBy: controllerName,
			labelTaskID:    job.Labels[labelTaskID],
		})
	}
	pods, err := m.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return "", err
	}
	if len(pods.Items) == 0 {
		return "", fmt.Errorf("no pod found for job %s", jobName)
	}

	req := m.client.CoreV1().Pods(ns).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var builder strings.Builder
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		builder.WriteString(scanner.Text())
		builder.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return builder.String(), nil
}

// DeleteArtifacts 删除 Job 以及本轮创建的 ConfigMap，避免资源残留。
func (m *KubeManager) DeleteArtifacts(ctx context.Context, jobName string, configMaps ...string) {
	m.log.Infof("cleaning up job %s", jobName)
	propagation := metav1.DeletePropagationBackground
	if err := m.client.BatchV1().Jobs(m.cfg.Namespace).Delete(ctx, jobName, metav1.DeleteOptions{PropagationPolicy: &propagation}); err != nil {
		m.log.Warnf("delete job %s: %v", jobName, err)
	}
	m.deleteConfigMaps(ctx, configMaps)
}

// deleteConfigMaps 逐个删除 ConfigMap（忽略空字符串）。
func (m *KubeManager) deleteConfigMaps(ctx context.Context, configMaps []string) {
	for _, name := range configMaps {
		if name == "" {
			continue
		}
		if err := m.client.CoreV1().ConfigMaps(m.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
			m.log.Warnf("delete configmap %s: %v", name, err)
		} else {
			m.log.Infof("configmap %s deleted", name)
		}
	}
}
